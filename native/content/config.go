package content

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// curveNames maps the TOML curation_reward_curve string to its enum value,
// the same string-to-enum seam config.Config uses for nothing today but
// that chain-property loading needs: the wire format is human-edited TOML,
// the in-memory value is the tight enum the reward engine switches on.
var curveNames = map[string]CurationCurve{
	"detect":      CurveDetect,
	"linear":      CurveLinear,
	"square_root": CurveSquareRoot,
	"bounded":     CurveBounded,
}

// LoadChainProperties reads witness-governable chain properties from a TOML
// file at path, the same way golosd/config.Load reads node configuration:
// defaults are applied first so a partial file still yields a complete,
// internally consistent set of properties, then the file is decoded on top.
// A missing file is not an error — DefaultChainProperties is written out and
// returned, mirroring config.Load's createDefault behaviour.
func LoadChainProperties(path string) (ChainProperties, error) {
	props := DefaultChainProperties()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return props, WriteChainProperties(path, props)
	}
	if _, err := toml.DecodeFile(path, &props); err != nil {
		return ChainProperties{}, err
	}
	curve, ok := curveNames[props.CurationRewardCurveName]
	if !ok {
		return ChainProperties{}, fmt.Errorf("content: unknown curation_reward_curve %q", props.CurationRewardCurveName)
	}
	props.CurationRewardCurve = curve
	if err := props.Validate(); err != nil {
		return ChainProperties{}, err
	}
	return props, nil
}

// WriteChainProperties serialises props to path as TOML, used both to seed a
// missing file on first load and by governance tooling that adjusts a
// property and wants it persisted.
func WriteChainProperties(path string, props ChainProperties) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(props)
}

// Validate checks internal consistency the way config.ValidateConfig checks
// node configuration: a ChainProperties value that fails this can corrupt
// cashout math or let a minority of witnesses clear a proposal, so it is
// rejected before the engine ever sees it.
func (p ChainProperties) Validate() error {
	if p.TopWitnessCount <= 0 {
		return fmt.Errorf("content: top_witness_count must be positive")
	}
	if p.MajorityWitnessCount <= 0 || p.MajorityWitnessCount > p.TopWitnessCount {
		return fmt.Errorf("content: majority_witness_count out of range [1, top_witness_count]")
	}
	if p.SuperMajorityWitnessCount <= 0 || p.SuperMajorityWitnessCount > p.TopWitnessCount {
		return fmt.Errorf("content: super_majority_witness_count out of range [1, top_witness_count]")
	}
	if p.SuperMajorityWitnessCount < p.MajorityWitnessCount {
		return fmt.Errorf("content: super_majority_witness_count must be >= majority_witness_count")
	}
	if p.MaxCashoutWindowSeconds < p.CashoutWindowSeconds {
		return fmt.Errorf("content: max_cashout_window_seconds < cashout_window_seconds")
	}
	if p.WorkerRewardPercent > 10000 || p.WorkerEmergencyFundPercent > 10000 {
		return fmt.Errorf("content: worker fund percentages must be in [0, 10000]")
	}
	return nil
}
