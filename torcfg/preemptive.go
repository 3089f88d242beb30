package torcfg

import (
	"fmt"
	"time"
)

const (
	// DefaultPreemptiveThreshold is the number of open circuits above
	// which no circuits are built ahead of time.
	DefaultPreemptiveThreshold = 12

	// DefaultPredictionLifetime is how long a port stays predicted after
	// its last use.
	DefaultPredictionLifetime = time.Hour

	// DefaultMinExitCircsForPort is how many circuits are kept ready for
	// each predicted port.
	DefaultMinExitCircsForPort = 2

	// DefaultPreemptiveInterval is how often the predicted circuits are
	// checked.
	DefaultPreemptiveInterval = 10 * time.Second
)

// DefaultInitialPorts are predicted from startup, before any request was
// seen.
var DefaultInitialPorts = []uint16{80, 443}

// Preemptive configures building circuits before they are asked for.
type Preemptive struct {
	DisableAtThreshold  int           `long:"threshold" description:"Do not build circuits ahead of time while at least this many are open"`
	InitialPorts        []uint16      `long:"initialport" description:"A port to build circuits for from startup; may be given more than once"`
	PredictionLifetime  time.Duration `long:"predictionlifetime" description:"Keep building circuits for a port this long after it was last used"`
	MinExitCircsForPort int           `long:"mincircsperport" description:"Keep this many circuits ready for each predicted port"`
	Interval            time.Duration `long:"interval" description:"How often to check for missing predicted circuits"`
}

// DefaultPreemptive returns the default preemptive circuit configuration.
func DefaultPreemptive() *Preemptive {
	return &Preemptive{
		DisableAtThreshold: DefaultPreemptiveThreshold,
		InitialPorts: append(
			[]uint16(nil), DefaultInitialPorts...,
		),
		PredictionLifetime:  DefaultPredictionLifetime,
		MinExitCircsForPort: DefaultMinExitCircsForPort,
		Interval:            DefaultPreemptiveInterval,
	}
}

// Validate checks the preemptive circuit configuration. A threshold of zero
// turns preemptive circuits off.
func (p *Preemptive) Validate() error {
	switch {
	case p.DisableAtThreshold < 0:
		return fmt.Errorf("preemptive.threshold must not be "+
			"negative, got %d", p.DisableAtThreshold)

	case p.PredictionLifetime <= 0:
		return fmt.Errorf("preemptive.predictionlifetime must be "+
			"positive, got %v", p.PredictionLifetime)

	case p.MinExitCircsForPort < 1:
		return fmt.Errorf("preemptive.mincircsperport must be at "+
			"least 1, got %d", p.MinExitCircsForPort)

	case p.Interval <= 0:
		return fmt.Errorf("preemptive.interval must be positive, "+
			"got %v", p.Interval)
	}

	for _, port := range p.InitialPorts {
		if port == 0 {
			return fmt.Errorf("preemptive.initialport must not " +
				"be 0")
		}
	}

	return nil
}

// Enabled returns true if circuits are built ahead of time at all.
func (p *Preemptive) Enabled() bool {
	return p.DisableAtThreshold > 0
}
