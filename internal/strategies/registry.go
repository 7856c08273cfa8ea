package strategies

import "fmt"

// All returns every detector, keyed by name.
func All() map[string]Strategy {
	list := []Strategy{
		NewKeltner(),
		NewMeanReversion(),
		NewIchimoku(),
		NewOrderFlow(),
		NewTrend(),
		NewStochDivergence(),
		NewVolSqueeze(),
		NewSupertrend(),
		NewReversal(),
	}
	out := make(map[string]Strategy, len(list))
	for _, s := range list {
		out[s.Name()] = s
	}
	return out
}

// Build returns the enabled strategy set. With single non-empty, only that
// strategy is enabled; an unknown name is an error.
func Build(single string) (map[string]Strategy, error) {
	all := All()
	if single == "" {
		return all, nil
	}
	s, ok := all[single]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", single)
	}
	return map[string]Strategy{single: s}, nil
}

// DefaultWeights returns the base confluence weight per strategy. Overridden
// per entry by ai.strategy_weights config.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"keltner":          0.14,
		"mean_reversion":   0.12,
		"ichimoku":         0.12,
		"order_flow":       0.10,
		"trend":            0.14,
		"stoch_divergence": 0.10,
		"vol_squeeze":      0.09,
		"supertrend":       0.11,
		"reversal":         0.08,
	}
}
