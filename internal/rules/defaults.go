package rules

// DefaultFile returns the built-in rule file. Each call returns a fresh copy
// so callers may decode overrides into it.
func DefaultFile() File {
	return File{
		Cash: CashFile{
			HighPriorityDeposit: []string{
				"ATM存现", "CRS无卡存现", "柜台存现",
				"ATM cash deposit", "CRS cardless deposit", "counter cash deposit",
			},
			HighPriorityWithdraw: []string{
				"ATM取现", "CRS无卡取现", "柜台取现",
				"ATM cash withdrawal", "CRS cardless withdrawal", "counter cash withdrawal",
			},
			Deposit: []string{
				"存", "现金存", "柜台存", "存款", "现金存入", "存现",
				"deposit", "cash in",
			},
			Withdraw: []string{
				"取", "现金取", "柜台取", "ATM取", "取款", "现金支取", "取现",
				"withdrawal", "cash out",
			},
			DepositExclude: []string{
				"转存", "存息", "利息存入", "转账",
				"transfer", "interest",
			},
			WithdrawExclude: []string{
				"转取", "利息取出", "息取", "转账",
				"transfer", "interest",
			},
			ATMToken:    "ATM",
			FuzzyTokens: []string{"现", "cash"},

			HighConfidence:   0.95,
			MediumConfidence: 0.8,
			LowConfidence:    0.6,

			EnableFuzzy:         true,
			CommonCashAmounts:   []float64{100, 200, 300, 500, 1000, 2000, 3000, 5000, 10000, 20000, 50000},
			RoundAmountModuli:   []float64{50, 100},
			EnableAmountAnalyze: true,
			LargeThreshold:      100000,
			SmallThreshold:      10,
			LargeFactor:         0.8,
			SmallFactor:         0.7,
		},
		KeyTransactions: KeyTransactionsFile{
			WorkIncome: []string{"工资", "薪", "奖金", "绩效", "代发", "劳务费", "salary", "payroll", "bonus", "wage"},
			Property:   []string{"房款", "售房", "购房款", "房产", "首付", "property", "house sale"},
			Rental:     []string{"租金", "房租", "租赁", "rent"},
			Vehicle:    []string{"车款", "售车", "购车", "二手车", "vehicle", "car sale"},
			Securities: []string{"证券", "股票", "基金赎回", "银证转账", "理财赎回", "securities", "stock", "dividend"},
			LargeBands: []BandFile{
				{Name: "5万-10万", Min: 50000, Max: 100000},
				{Name: "10万-50万", Min: 100000, Max: 500000},
				{Name: "50万-100万", Min: 500000, Max: 1000000},
				{Name: "100万及以上", Min: 1000000},
			},
		},
		Tracing: TracingFile{
			WindowDays: 30,
			MaxDepth:   3,
		},
		BankPrefixes: map[string]string{
			"622848":  "农业银行",
			"622700":  "建设银行",
			"621700":  "建设银行",
			"621661":  "建设银行",
			"6217002": "建设银行",
			"6227002": "建设银行",
			"4367422": "建设银行",
			"621226":  "工商银行",
			"622202":  "工商银行",
			"622262":  "交通银行",
			"622666":  "中国银行",
			"622622":  "中国银行",
			"622588":  "招商银行",
			"621286":  "招商银行",
			"622155":  "浦发银行",
			"622169":  "浦发银行",
			"622516":  "浦发银行",
			"622916":  "民生银行",
			"622918":  "民生银行",
			"622909":  "兴业银行",
			"622908":  "兴业银行",
			"621095":  "邮政储蓄银行",
			"620062":  "邮政储蓄银行",
			"623218":  "邮政储蓄银行",
		},
	}
}

// Defaults returns the compiled built-in tables.
func Defaults() *Tables {
	t, err := Compile(DefaultFile())
	if err != nil {
		panic("rules: built-in tables do not compile: " + err.Error())
	}
	return t
}
