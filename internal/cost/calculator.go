package cost

// Rates holds per-provider pricing configuration.
type Rates struct {
	OpenAI    map[string]TokenRate `yaml:"openai" mapstructure:"openai"`
	Replicate map[string]ImageRate `yaml:"replicate" mapstructure:"replicate"`
	Anthropic map[string]TokenRate `yaml:"anthropic" mapstructure:"anthropic"`
}

// TokenRate holds per-model token pricing (per million tokens).
type TokenRate struct {
	Input        float64 `yaml:"input" mapstructure:"input"`
	Output       float64 `yaml:"output" mapstructure:"output"`
	CacheReadMul float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// ImageRate holds flat per-image pricing for models that do not bill by token.
type ImageRate struct {
	PerImage float64 `yaml:"per_image" mapstructure:"per_image"`
}

// Calculator computes estimated spend for generation calls.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// TokenCall computes the cost of a token-billed call against a token-priced
// model table. Unknown models cost 0.
func tokenCall(table map[string]TokenRate, model string, input, output, cacheRead int64) float64 {
	rate, ok := table[model]
	if !ok {
		return 0
	}
	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul
	return inCost + outCost + crCost
}

// Image computes the cost of one generation call. Token-billed models use
// their usage counters; flat-rate models charge per image regardless of
// reported usage.
func (c *Calculator) Image(model string, input, output int64) float64 {
	if rate, ok := c.rates.Replicate[model]; ok {
		return rate.PerImage
	}
	return tokenCall(c.rates.OpenAI, model, input, output, 0)
}

// Claude computes the cost of a prompt-builder call.
func (c *Calculator) Claude(model string, input, output, cacheRead int64) float64 {
	return tokenCall(c.rates.Anthropic, model, input, output, cacheRead)
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		OpenAI: map[string]TokenRate{
			"gpt-image-1":      {Input: 10.00, Output: 40.00},
			"gpt-image-1-mini": {Input: 2.50, Output: 10.00},
		},
		Replicate: map[string]ImageRate{
			"black-forest-labs/flux-1.1-pro": {PerImage: 0.04},
			"black-forest-labs/flux-schnell": {PerImage: 0.003},
		},
		Anthropic: map[string]TokenRate{
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00, CacheReadMul: 0.1},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00, CacheReadMul: 0.1},
		},
	}
}
