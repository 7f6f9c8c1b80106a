package routing

// DefaultModelPricing is the static (model, provider) pricing/capability
// catalog the ranking engine scores candidates against. Figures are
// approximate public per-1k-token list prices for flagship models as of
// this writing; they exist to make relative cost scoring meaningful, not
// to be billing-accurate.
var DefaultModelPricing = []ModelPricing{
	{
		ModelID: "gpt-4o", Provider: "openai",
		InputPer1k: 0.0025, OutputPer1k: 0.01,
		Capabilities:   []string{"chat", "stream", "vision", "tools"},
		SupportsStream: true,
	},
	{
		ModelID: "gpt-4o-mini", Provider: "openai",
		InputPer1k: 0.00015, OutputPer1k: 0.0006,
		Capabilities:   []string{"chat", "stream", "vision", "tools"},
		SupportsStream: true,
	},
	{
		ModelID: "gpt-4-turbo", Provider: "openai",
		InputPer1k: 0.01, OutputPer1k: 0.03,
		Capabilities:   []string{"chat", "stream", "vision", "tools"},
		SupportsStream: true,
	},
	{
		ModelID: "claude-3-5-sonnet-20241022", Provider: "anthropic",
		InputPer1k: 0.003, OutputPer1k: 0.015,
		Capabilities:   []string{"chat", "stream", "vision", "tools"},
		SupportsStream: true,
	},
	{
		ModelID: "claude-3-5-haiku-20241022", Provider: "anthropic",
		InputPer1k: 0.0008, OutputPer1k: 0.004,
		Capabilities:   []string{"chat", "stream", "tools"},
		SupportsStream: true,
	},
	{
		ModelID: "claude-3-opus-20240229", Provider: "anthropic",
		InputPer1k: 0.015, OutputPer1k: 0.075,
		Capabilities:   []string{"chat", "stream", "vision", "tools"},
		SupportsStream: true,
	},
	{
		ModelID: "gemini-1.5-pro", Provider: "gemini",
		InputPer1k: 0.00125, OutputPer1k: 0.005,
		Capabilities:   []string{"chat", "stream", "vision", "tools"},
		SupportsStream: true,
	},
	{
		ModelID: "gemini-1.5-flash", Provider: "gemini",
		InputPer1k: 0.000075, OutputPer1k: 0.0003,
		Capabilities:   []string{"chat", "stream", "vision"},
		SupportsStream: true,
	},
	{
		ModelID: "mistral-large-latest", Provider: "mistral",
		InputPer1k: 0.002, OutputPer1k: 0.006,
		Capabilities:   []string{"chat", "stream", "tools"},
		SupportsStream: true,
	},
	{
		ModelID: "mistral-small-latest", Provider: "mistral",
		InputPer1k: 0.0002, OutputPer1k: 0.0006,
		Capabilities:   []string{"chat", "stream", "tools"},
		SupportsStream: true,
	},
	{
		ModelID: "grok-2-latest", Provider: "xai",
		InputPer1k: 0.002, OutputPer1k: 0.01,
		Capabilities:   []string{"chat", "stream"},
		SupportsStream: true,
	},
	{
		ModelID: "llama-3.3-70b-versatile", Provider: "groq",
		InputPer1k: 0.00059, OutputPer1k: 0.00079,
		Capabilities:   []string{"chat", "stream"},
		SupportsStream: true,
	},
	{
		ModelID: "deepseek-chat", Provider: "deepseek",
		InputPer1k: 0.00014, OutputPer1k: 0.00028,
		Capabilities:   []string{"chat", "stream", "tools"},
		SupportsStream: true,
	},
}

// DefaultRules is the built-in rule set applied before scoring. Priority is
// evaluated highest-first; ties fall through to the engine's weighted score.
var DefaultRules = []Rule{
	{
		ID:       "vision-requires-capability",
		Priority: 100,
		Condition: Condition{
			Kind:     ConditionCapability,
			Required: []string{"vision"},
		},
	},
	{
		ID:       "tools-requires-capability",
		Priority: 100,
		Condition: Condition{
			Kind:     ConditionCapability,
			Required: []string{"tools"},
		},
	},
	{
		ID:       "budget-cost-ceiling",
		Priority: 50,
		Condition: Condition{
			Kind:     ConditionCost,
			MaxPer1k: 0.002,
		},
		PreferredProviders: []string{"groq", "deepseek", "gemini", "mistral"},
	},
	{
		ID:       "low-latency-preference",
		Priority: 40,
		Condition: Condition{
			Kind:  ConditionLatency,
			MaxMs: 1500,
		},
		PreferredProviders: []string{"groq", "gemini"},
	},
}
