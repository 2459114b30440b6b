package service_test

import (
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/service"
)

func TestTokenService_IssueAndValidate(t *testing.T) {
	ts, err := service.NewTokenService("s3cret")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	token, err := ts.Issue("inspector-wu", time.Hour, "case-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := ts.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Sub != "inspector-wu" {
		t.Errorf("expected subject inspector-wu, got %s", claims.Sub)
	}
	if !claims.CanAccess("case-1") || claims.CanAccess("case-2") {
		t.Errorf("unexpected case scope %v", claims.Cases)
	}
}

func TestTokenService_Rejects(t *testing.T) {
	ts, _ := service.NewTokenService("s3cret")
	other, _ := service.NewTokenService("other")

	expired, _ := ts.Issue("a", -time.Minute)
	foreign, _ := other.Issue("a", time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"expired", expired},
		{"wrong secret", foreign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ts.Validate(tt.token)
			var unauth *domain.ErrUnauthorized
			if !errors.As(err, &unauth) {
				t.Errorf("expected unauthorized, got %v", err)
			}
		})
	}
}

func TestNewTokenService_BlankSecret(t *testing.T) {
	if _, err := service.NewTokenService("  "); err == nil {
		t.Error("expected error for blank secret")
	}
}

func TestInvestigatorClaims_UnscopedGrantsAll(t *testing.T) {
	c := &service.InvestigatorClaims{Sub: "a"}
	if !c.CanAccess("anything") {
		t.Error("unscoped token must grant every case")
	}
}
