package risk

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Mode selects how a mirror account's trade size is derived.
type Mode string

const (
	// Static multiplies by the mirror's configured scale factor.
	Static Mode = "static"
	// Dynamic uses mirrorNAV / sourceNAV, clamped.
	Dynamic Mode = "dynamic"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case Static:
		return Static, nil
	case Dynamic:
		return Dynamic, nil
	default:
		return "", fmt.Errorf("unknown scaling mode %q (want static|dynamic)", s)
	}
}

// Static scale factors must lie in [MinScaleFactor, MaxScaleFactor].
const (
	MinScaleFactor = 0.01
	MaxScaleFactor = 100.0

	DefaultDynamicMin = 0.1
	DefaultDynamicMax = 2.0
)

func ValidateScaleFactor(f float64) error {
	if math.IsNaN(f) || f < MinScaleFactor || f > MaxScaleFactor {
		return fmt.Errorf("scale factor %v out of range [%v, %v]", f, MinScaleFactor, MaxScaleFactor)
	}
	return nil
}

// NAVFunc returns an account's net asset value.
type NAVFunc func(ctx context.Context) (decimal.Decimal, error)

// MirrorScaling is the per-mirror sizing configuration.
type MirrorScaling struct {
	Mode        Mode
	ScaleFactor float64
}

// Scale is the outcome of ComputeScale. Mode is the mode actually applied,
// which is Static whenever a dynamic lookup degraded.
type Scale struct {
	Factor   float64
	Mode     Mode
	Units    decimal.Decimal // signed, rounded to whole units
	Degraded bool
}

// ScaleCalculator turns a source trade size into a mirror trade size.
type ScaleCalculator struct {
	min, max float64
	log      logrus.FieldLogger
}

// NewScaleCalculator clamps dynamic factors to [min, max]. Zero bounds use
// the defaults.
func NewScaleCalculator(min, max float64, log logrus.FieldLogger) *ScaleCalculator {
	if min <= 0 {
		min = DefaultDynamicMin
	}
	if max <= 0 {
		max = DefaultDynamicMax
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ScaleCalculator{min: min, max: max, log: log}
}

// ComputeScale never fails: when dynamic sizing cannot be computed it falls
// back to the mirror's static factor.
func (c *ScaleCalculator) ComputeScale(ctx context.Context, sourceNAV, mirrorNAV NAVFunc, mirror MirrorScaling, originalUnits decimal.Decimal) Scale {
	s := Scale{Factor: mirror.ScaleFactor, Mode: Static}

	if mirror.Mode == Dynamic {
		factor, err := c.dynamicFactor(ctx, sourceNAV, mirrorNAV)
		if err != nil {
			c.log.WithError(err).WithField("fallback_factor", mirror.ScaleFactor).
				Warn("dynamic scaling unavailable, using static factor")
			s.Degraded = true
		} else {
			s.Factor = factor
			s.Mode = Dynamic
		}
	}

	s.Units = ScaleUnits(originalUnits, s.Factor)
	return s
}

func (c *ScaleCalculator) dynamicFactor(ctx context.Context, sourceNAV, mirrorNAV NAVFunc) (float64, error) {
	if sourceNAV == nil || mirrorNAV == nil {
		return 0, errors.New("nav lookup not configured")
	}

	var src, dst decimal.Decimal
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := sourceNAV(gctx)
		if err != nil {
			return errors.Wrap(err, "source nav")
		}
		src = v
		return nil
	})
	g.Go(func() error {
		v, err := mirrorNAV(gctx)
		if err != nil {
			return errors.Wrap(err, "mirror nav")
		}
		dst = v
		return nil
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if !src.IsPositive() {
		return 0, errors.Errorf("source nav %s is not positive", src)
	}
	ratio := dst.Div(src).InexactFloat64()
	return Clamp(ratio, c.min, c.max), nil
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ScaleUnits returns round(|units| * factor) carrying the sign of units.
// Halves round away from zero.
func ScaleUnits(units decimal.Decimal, factor float64) decimal.Decimal {
	scaled := units.Abs().Mul(decimal.NewFromFloat(factor)).Round(0)
	if units.IsNegative() {
		return scaled.Neg()
	}
	return scaled
}
