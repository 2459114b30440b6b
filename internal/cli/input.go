package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/infra/cache"
	"github.com/boddenberg/fundflow-forensics/internal/infra/ledger"
	"github.com/boddenberg/fundflow-forensics/internal/infra/observability"
	"github.com/boddenberg/fundflow-forensics/internal/port"
	"github.com/boddenberg/fundflow-forensics/internal/rules"
	"github.com/boddenberg/fundflow-forensics/internal/service"
)

// InputOptions are the flags shared by the pipeline commands.
type InputOptions struct {
	Inputs   []string
	Platform string
	Columns  string
}

func (o *InputOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&o.Inputs, "input", "i", nil, "export file (.json raw batch or .csv); repeatable")
	cmd.Flags().StringVarP(&o.Platform, "platform", "p", "", "platform of CSV inputs (bank|wechat|alipay); inferred from the file name when empty")
	cmd.Flags().StringVar(&o.Columns, "columns", "", "YAML column map applied to CSV inputs")
	_ = cmd.MarkFlagRequired("input")
}

// platformHints maps file name fragments to platforms.
var platformHints = []struct {
	fragment string
	platform domain.Platform
}{
	{"wechat", domain.PlatformWechat},
	{"微信", domain.PlatformWechat},
	{"alipay", domain.PlatformAlipay},
	{"支付宝", domain.PlatformAlipay},
	{"bank", domain.PlatformBank},
	{"银行", domain.PlatformBank},
}

// LoadInputs reads every input file into raw batches.
func LoadInputs(opts InputOptions) ([]ledger.RawBatch, error) {
	var columns *domain.ColumnMap
	if opts.Columns != "" {
		data, err := os.ReadFile(opts.Columns)
		if err != nil {
			return nil, fmt.Errorf("read column map: %w", err)
		}
		var cm domain.ColumnMap
		if err := yaml.Unmarshal(data, &cm); err != nil {
			return nil, fmt.Errorf("parse column map %s: %w", opts.Columns, err)
		}
		columns = &cm
	}

	var out []ledger.RawBatch
	for _, path := range opts.Inputs {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			batches, err := readJSONInput(path)
			if err != nil {
				return nil, err
			}
			out = append(out, batches...)
		case ".csv":
			platform, err := csvPlatform(path, opts.Platform)
			if err != nil {
				return nil, err
			}
			f, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			raw, err := ledger.ReadCSV(f, platform, filepath.Base(path), columns)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			out = append(out, raw)
		default:
			return nil, fmt.Errorf("%s: unsupported input type (want .json or .csv)", path)
		}
	}
	return out, nil
}

// readJSONInput accepts either {"batches": [...]} or a single raw batch.
func readJSONInput(path string) ([]ledger.RawBatch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if list, ok := probe["batches"]; ok {
		var batches []ledger.RawBatch
		if err := json.Unmarshal(list, &batches); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for i := range batches {
			if batches[i].SourceFile == "" {
				batches[i].SourceFile = fmt.Sprintf("%s#%d", filepath.Base(path), i)
			}
		}
		return batches, nil
	}

	var raw ledger.RawBatch
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if raw.SourceFile == "" {
		raw.SourceFile = filepath.Base(path)
	}
	return []ledger.RawBatch{raw}, nil
}

func csvPlatform(path, flag string) (domain.Platform, error) {
	if flag != "" {
		p := domain.Platform(strings.ToLower(flag))
		if !p.Valid() {
			return "", fmt.Errorf("unsupported platform %q", flag)
		}
		return p, nil
	}
	name := strings.ToLower(filepath.Base(path))
	for _, h := range platformHints {
		if strings.Contains(name, h.fragment) {
			return h.platform, nil
		}
	}
	return "", fmt.Errorf("%s: cannot infer platform from the file name, pass --platform", path)
}

// ============================================================
// Pipeline wiring
// ============================================================

// newLogger writes diagnostics to the command's stderr: warnings by
// default, everything from info up with --verbose.
func newLogger(cmd *cobra.Command, verbose bool) *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.InfoLevel
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(cmd.ErrOrStderr()), level)
	return zap.New(core)
}

// newService builds an AnalysisService with no ledger source; sink may be nil.
func newService(opts *RootOptions, trace service.TraceOptions, sink port.ReportSink, logger *zap.Logger) (*service.AnalysisService, *observability.Metrics, func(), error) {
	provider, err := rules.NewProvider(opts.Rules, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	loc, err := time.LoadLocation(opts.Timezone)
	if err != nil {
		logger.Warn("unknown timezone, using UTC", zap.String("tz", opts.Timezone))
		loc = time.UTC
	}

	metrics := observability.NewMetrics()
	reports := cache.New[*domain.CaseReport](time.Hour)
	shards := service.DefaultShardOptions()

	svc := service.NewAnalysisService(
		ledger.NewNormalizer(provider, loc, logger),
		service.NewClassifier(provider, shards, metrics, logger),
		service.NewTagger(provider, shards, metrics, logger),
		service.NewFlowTracer(provider, trace, metrics, logger),
		provider,
		nil,
		sink,
		reports,
		metrics,
		logger,
	)
	return svc, metrics, reports.Stop, nil
}
