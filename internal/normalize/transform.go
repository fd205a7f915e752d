package normalize

// Options are the normalization switches persisted with a trained model.
type Options struct {
	Enabled        bool    `yaml:"normalize_features" json:"normalize_features"`
	MinStd         float64 `yaml:"min_feature_std" json:"min_feature_std"`
	Clip           float64 `yaml:"normalize_clip_value" json:"normalize_clip_value"`
	PreserveBinary bool    `yaml:"normalize_preserve_binary" json:"normalize_preserve_binary"`
	LogScale       bool    `yaml:"normalize_log_scale" json:"normalize_log_scale"`
}

func DefaultOptions() Options {
	return Options{
		Enabled:        true,
		MinStd:         DefaultMinStd,
		Clip:           DefaultClip,
		PreserveBinary: true,
	}
}

// Transform is the fitted preprocessing applied to every feature row, at
// training time and when serving.
type Transform struct {
	Stats    Stats
	Enabled  bool
	LogScale bool
	Clip     float64
}

// Apply sanitizes x, applies the signed log when enabled, then standardizes
// when enabled. Stats that do not fit x are an error, never a silent skip.
func (t Transform) Apply(x []float32) error {
	Sanitize(x)
	if t.LogScale {
		LogScale(x)
	}
	if t.Enabled {
		return t.Stats.Apply(x, t.Clip)
	}
	return nil
}

// Fit computes stats on train and transforms train and val in place. val may
// alias train. With normalization disabled the stats are the identity but
// sanitizing and the signed log still apply.
func Fit(train, val []float32, dim int, opts Options) Transform {
	Sanitize(train)
	if opts.LogScale {
		LogScale(train)
	}
	stats := Compute(train, dim, opts.MinStd, opts.PreserveBinary)
	t := Transform{Stats: stats, Enabled: opts.Enabled, LogScale: opts.LogScale, Clip: opts.Clip}
	if !opts.Enabled {
		t.Stats = Identity(dim)
	}
	aliased := len(val) > 0 && len(train) > 0 && &val[0] == &train[0]
	if !aliased {
		Sanitize(val)
		if opts.LogScale {
			LogScale(val)
		}
		if t.Enabled {
			t.Stats.apply(val, t.Clip)
		}
	}
	if t.Enabled {
		t.Stats.apply(train, t.Clip)
	}
	return t
}
