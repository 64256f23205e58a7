package tdcstream

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type TriggerMode string

const (
	TriggerExternal TriggerMode = "external"
	TriggerFree     TriggerMode = "free"
)

type SyncKind string

const (
	SyncNone        SyncKind = "none"
	SyncInterpolate SyncKind = "interpolate"
	SyncLeft        SyncKind = "left"
)

// ChannelRef makes Channel relative to RefChannel of RefBoard in every event.
type ChannelRef struct {
	Channel    int    `json:"channel" koanf:"channel" db:"Channel"`
	RefBoard   uint32 `json:"ref_board" koanf:"ref_board" db:"RefBoard"`
	RefChannel int    `json:"ref_channel" koanf:"ref_channel" db:"RefChannel"`
}

type BoardSetup struct {
	BoardID         uint32       `json:"board_id" koanf:"board_id" db:"BoardID"`
	Name            string       `json:"name" koanf:"name" db:"Name"`
	NumChannels     int          `json:"num_channels" koanf:"num_channels" db:"NumChannels"`
	TriggerChannel  int          `json:"trigger_channel" koanf:"trigger_channel" db:"TriggerChannel"`
	SyncChannel     int          `json:"sync_channel" koanf:"sync_channel" db:"SyncChannel"`
	TriggerEligible bool         `json:"trigger_eligible" koanf:"trigger_eligible" db:"TriggerEligible"`
	SyncRequired    bool         `json:"sync_required" koanf:"sync_required" db:"SyncRequired"`
	RawScanOnly     bool         `json:"raw_scan_only" koanf:"raw_scan_only" db:"RawScanOnly"`
	References      []ChannelRef `json:"references" koanf:"references" db:"-"`
}

func (b BoardSetup) Capabilities() Capabilities {
	return Capabilities{
		SyncRequired:    b.SyncRequired,
		TriggerEligible: b.TriggerEligible && !b.RawScanOnly,
		RawScanOnly:     b.RawScanOnly,
	}
}

// Times are in seconds.
type Configuration struct {
	Verbosity   int    `json:"verbosity" koanf:"verbosity"`
	FileIn      string `json:"file_in" koanf:"file_in"`
	FileOut     string `json:"file_out" koanf:"file_out"`
	MaxFrames   int    `json:"max_frames" koanf:"max_frames"`
	RunNumber   int    `json:"run_number" koanf:"run_number"`
	MetricsAddr string `json:"metrics_addr" koanf:"metrics_addr"`
	PlotDir     string `json:"plot_dir" koanf:"plot_dir"`

	NoDB   bool         `json:"no_db" koanf:"no_db"`
	Host   string       `json:"host" koanf:"host"`
	User   string       `json:"user" koanf:"user"`
	Passwd string       `json:"pass" koanf:"pass"`
	DBName string       `json:"dbname" koanf:"dbname"`
	Boards []BoardSetup `json:"boards" koanf:"boards"`

	CoarseUnit      float64 `json:"coarse_unit" koanf:"coarse_unit"`
	FineBins        int     `json:"fine_bins" koanf:"fine_bins"`
	FineMin         int     `json:"fine_min" koanf:"fine_min"`
	FineMax         int     `json:"fine_max" koanf:"fine_max"`
	FineTolerance   int     `json:"fine_tolerance" koanf:"fine_tolerance"`
	MinStatistic    int     `json:"min_statistic" koanf:"min_statistic"`
	HoleLimit       float64 `json:"hole_limit" koanf:"hole_limit"`
	NonLinearLimit  float64 `json:"nonlinear_limit" koanf:"nonlinear_limit"`
	AutoCalibration int     `json:"auto_calibration" koanf:"auto_calibration"`
	OneShot         bool    `json:"one_shot" koanf:"one_shot"`
	CalibrationMask uint32  `json:"calibration_mask" koanf:"calibration_mask"`
	CalibrationDir  string  `json:"calibration_dir" koanf:"calibration_dir"`
	LoadCalibration bool    `json:"load_calibration" koanf:"load_calibration"`

	ToTKind      uint32  `json:"tot_kind" koanf:"tot_kind"`
	ToTNominal   float64 `json:"tot_nominal" koanf:"tot_nominal"`
	ToTTolerance float64 `json:"tot_tolerance" koanf:"tot_tolerance"`
	ToTTrim      float64 `json:"tot_trim" koanf:"tot_trim"`
	ToTMinCount  int     `json:"tot_min_count" koanf:"tot_min_count"`
	ToTMaxCount  int     `json:"tot_max_count" koanf:"tot_max_count"`
	ToTRange     float64 `json:"tot_range" koanf:"tot_range"`

	TempCompensation bool    `json:"temp_compensation" koanf:"temp_compensation"`
	TempCoefficient  float64 `json:"temp_coefficient" koanf:"temp_coefficient"`
	TempSanity       float64 `json:"temp_sanity" koanf:"temp_sanity"`

	TriggerLeft   float64     `json:"trigger_left" koanf:"trigger_left"`
	TriggerRight  float64     `json:"trigger_right" koanf:"trigger_right"`
	TriggerMode   TriggerMode `json:"trigger_mode" koanf:"trigger_mode"`
	TriggerMerge  float64     `json:"trigger_merge" koanf:"trigger_merge"`
	FlushInterval float64     `json:"flush_interval" koanf:"flush_interval"`
	DisorderBound float64     `json:"disorder_bound" koanf:"disorder_bound"`

	SyncKind     SyncKind `json:"sync_kind" koanf:"sync_kind"`
	MinSyncCount int      `json:"min_sync_count" koanf:"min_sync_count"`
	SyncIDBits   int      `json:"sync_id_bits" koanf:"sync_id_bits"`
}

func NewConfiguration() Configuration {
	var config Configuration

	// Set default values
	config.Verbosity = 0
	config.FileOut = "events.h5"
	config.MaxFrames = 1000000000
	config.Host = "localhost"
	config.User = "tdcreader"
	config.Passwd = ""
	config.DBName = "tdcstream"

	config.CoarseUnit = 5e-9
	config.FineBins = 600
	config.FineMin = 31
	config.FineMax = 491
	config.FineTolerance = 10
	config.MinStatistic = 1000
	config.HoleLimit = 0.05
	config.NonLinearLimit = 0.05
	config.AutoCalibration = 0
	config.OneShot = false
	config.CalibrationMask = 0xFFFFFFFF
	config.CalibrationDir = "."

	config.ToTKind = 0xD
	config.ToTNominal = 30e-9
	config.ToTTolerance = 0.15e-9
	config.ToTTrim = 0.1
	config.ToTMinCount = 100
	config.ToTMaxCount = 10000
	config.ToTRange = 100e-9

	config.TempCompensation = false
	config.TempCoefficient = 0
	config.TempSanity = 20

	config.TriggerLeft = -50e-9
	config.TriggerRight = 200e-9
	config.TriggerMode = TriggerExternal
	config.TriggerMerge = 0
	config.FlushInterval = 1e-3
	config.DisorderBound = 1e-6

	config.SyncKind = SyncInterpolate
	config.MinSyncCount = 2
	config.SyncIDBits = 24
	return config
}

// LoadConfiguration layers defaults, the optional file and TDCSTREAM_ env
// variables. JSON files are valid YAML so one parser reads both.
func LoadConfiguration(filename string) (Configuration, error) {
	config := NewConfiguration()

	k := koanf.New(".")
	if filename != "" {
		if err := k.Load(file.Provider(filename), yaml.Parser()); err != nil {
			return config, &ErrOpenFile{Filename: filename, Err: err}
		}
	}

	envProvider := env.Provider("TDCSTREAM_", ".", func(s string) string {
		s = strings.ToLower(s)
		s = strings.TrimPrefix(s, "tdcstream_")
		return s
	})
	if err := k.Load(envProvider, nil); err != nil {
		return config, err
	}

	if err := k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return config, err
	}
	return config, config.Validate()
}

func (c Configuration) Validate() error {
	if c.CoarseUnit <= 0 {
		return fmt.Errorf("coarse_unit must be positive, got %g", c.CoarseUnit)
	}
	if c.FineBins <= 0 || c.FineBins > int(FineMissing) {
		return fmt.Errorf("fine_bins must be in (0, %d), got %d", FineMissing, c.FineBins)
	}
	if c.FineMin < 0 || c.FineMax >= c.FineBins || c.FineMin >= c.FineMax {
		return fmt.Errorf("fine range [%d, %d] is not inside [0, %d)", c.FineMin, c.FineMax, c.FineBins)
	}
	if c.TriggerRight <= c.TriggerLeft {
		return fmt.Errorf("trigger window [%g, %g) is empty", c.TriggerLeft, c.TriggerRight)
	}
	if c.DisorderBound < 0 {
		return fmt.Errorf("disorder_bound must not be negative, got %g", c.DisorderBound)
	}
	switch c.TriggerMode {
	case TriggerExternal, TriggerFree:
	default:
		return fmt.Errorf("unknown trigger_mode %q", c.TriggerMode)
	}
	switch c.SyncKind {
	case SyncNone, SyncInterpolate, SyncLeft:
	default:
		return fmt.Errorf("unknown sync_kind %q", c.SyncKind)
	}
	if c.SyncIDBits <= 1 || c.SyncIDBits > 32 {
		return fmt.Errorf("sync_id_bits must be in [2, 32], got %d", c.SyncIDBits)
	}
	if c.MinSyncCount < 1 {
		return fmt.Errorf("min_sync_count must be at least 1, got %d", c.MinSyncCount)
	}
	if c.ToTMaxCount < c.ToTMinCount {
		return fmt.Errorf("tot_max_count %d below tot_min_count %d", c.ToTMaxCount, c.ToTMinCount)
	}
	if c.ToTTrim < 0 || c.ToTTrim >= 0.5 {
		return fmt.Errorf("tot_trim must be in [0, 0.5), got %g", c.ToTTrim)
	}
	return nil
}

// MergeDistance is the trigger merge distance, the window width by default.
func (c Configuration) MergeDistance() float64 {
	if c.TriggerMerge > 0 {
		return c.TriggerMerge
	}
	return c.TriggerRight - c.TriggerLeft
}

func PrintConfiguration(config Configuration, logger Logger) {
	logger.Info(fmt.Sprintf("File in: %s", config.FileIn), "config")
	logger.Info(fmt.Sprintf("File out: %s", config.FileOut), "config")
	logger.Info(fmt.Sprintf("Run number: %d", config.RunNumber), "config")
	logger.Info(fmt.Sprintf("Max frames: %d", config.MaxFrames), "config")
	logger.Info(fmt.Sprintf("No DB: %t", config.NoDB), "config")
	logger.Info(fmt.Sprintf("Host: %s", config.Host), "config")
	logger.Info(fmt.Sprintf("DB name: %s", config.DBName), "config")
	logger.Info(fmt.Sprintf("Boards in configuration: %d", len(config.Boards)), "config")
	logger.Info(fmt.Sprintf("Coarse unit: %g s", config.CoarseUnit), "config")
	logger.Info(fmt.Sprintf("Fine bins: %d [%d, %d] tolerance %d", config.FineBins, config.FineMin, config.FineMax, config.FineTolerance), "config")
	logger.Info(fmt.Sprintf("Min statistic: %d", config.MinStatistic), "config")
	logger.Info(fmt.Sprintf("Auto calibration: %d (one shot %t)", config.AutoCalibration, config.OneShot), "config")
	logger.Info(fmt.Sprintf("Calibration mask: 0x%08x", config.CalibrationMask), "config")
	logger.Info(fmt.Sprintf("Calibration dir: %s (load %t)", config.CalibrationDir, config.LoadCalibration), "config")
	logger.Info(fmt.Sprintf("ToT kind: 0x%x nominal %g s tolerance %g s", config.ToTKind, config.ToTNominal, config.ToTTolerance), "config")
	logger.Info(fmt.Sprintf("Temperature compensation: %t (sanity %g)", config.TempCompensation, config.TempSanity), "config")
	logger.Info(fmt.Sprintf("Trigger window: [%g, %g) s", config.TriggerLeft, config.TriggerRight), "config")
	logger.Info(fmt.Sprintf("Trigger mode: %s", config.TriggerMode), "config")
	logger.Info(fmt.Sprintf("Flush interval: %g s", config.FlushInterval), "config")
	logger.Info(fmt.Sprintf("Disorder bound: %g s", config.DisorderBound), "config")
	logger.Info(fmt.Sprintf("Sync kind: %s (min count %d, id bits %d)", config.SyncKind, config.MinSyncCount, config.SyncIDBits), "config")
	logger.Info(fmt.Sprintf("Verbosity: %d", config.Verbosity), "config")
}
