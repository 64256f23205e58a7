package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	sqlx "github.com/jmoiron/sqlx"
	tdcstream "github.com/next-exp/tdcstream/pkg"
)

var dbConn *sqlx.DB
var configuration tdcstream.Configuration

var (
	logger         tdcstream.SlogLogger
	VerbosityLevel int
)

func init() {
	logger = tdcstream.NewSlogLogger(os.Stdout, os.Stderr)
}

// calibrate builds fine time calibrations from a raw frame file. Every
// board is scanned once, no events are assembled.
func main() {
	configFilename := flag.String("config", "", "Configuration file path")
	plotDir := flag.String("plots", "", "Directory for histogram and curve plots")
	flag.Parse()

	if err := run(*configFilename, *plotDir); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

func run(configFilename string, plotDir string) error {
	var err error
	configuration, err = tdcstream.LoadConfiguration(configFilename)
	if err != nil {
		return fmt.Errorf("Error reading configuration file: %w", err)
	}
	configuration.AutoCalibration = 0
	configuration.LoadCalibration = false
	if plotDir != "" {
		configuration.PlotDir = plotDir
	}

	VerbosityLevel = configuration.Verbosity
	if VerbosityLevel > 0 {
		tdcstream.PrintConfiguration(configuration, logger)
	}

	boards, err := loadBoards()
	if err != nil {
		return err
	}

	hists := tdcstream.NewMemoryHistograms()
	manager := tdcstream.NewManager(configuration,
		tdcstream.WithLogger(logger),
		tdcstream.WithHistograms(hists),
		tdcstream.WithCalibrationStore(tdcstream.NewFileCalibrationStore(configuration.CalibrationDir)),
	)
	for _, board := range boards {
		board.RawScanOnly = true
		if _, err := manager.AddBoard(board); err != nil {
			return fmt.Errorf("Error adding board: %w", err)
		}
	}

	file, err := os.Open(configuration.FileIn)
	if err != nil {
		return fmt.Errorf("Error opening file: %w", err)
	}
	defer file.Close()

	nFrames, err := accumulate(manager, file)
	if err != nil {
		return err
	}
	if VerbosityLevel > 0 {
		logger.Info(fmt.Sprintf("Frames scanned: %d", nFrames), "main")
	}

	if err := manager.Calibrate(); err != nil {
		return fmt.Errorf("Error saving calibration: %w", err)
	}
	for _, src := range manager.Sources() {
		calib := src.Calibrator()
		ready := 0
		for ch := 0; ch < calib.NumChannels(); ch++ {
			for _, e := range []tdcstream.Edge{tdcstream.Rising, tdcstream.Falling} {
				if calib.Ready(ch, e) {
					ready++
				}
			}
		}
		message := fmt.Sprintf("Board 0x%04x calibrated, %d of %d channel edges ready", calib.Board(), ready, 2*calib.NumChannels())
		logger.Info(message, "main")
	}

	if configuration.PlotDir == "" {
		return nil
	}
	return renderPlots(manager, hists)
}

func loadBoards() ([]tdcstream.BoardSetup, error) {
	if configuration.NoDB || len(configuration.Boards) > 0 {
		return configuration.Boards, nil
	}

	var err error
	dbConn, err = tdcstream.ConnectToDatabase(configuration.User, configuration.Passwd, configuration.Host, configuration.DBName)
	if err != nil {
		return nil, fmt.Errorf("Error connection to database: %w", err)
	}
	defer dbConn.Close()

	return tdcstream.LoadBoardSetup(dbConn, configuration.RunNumber, logger, VerbosityLevel)
}

func accumulate(manager *tdcstream.Manager, file io.Reader) (int, error) {
	nFrames := 0
	for nFrames < configuration.MaxFrames {
		header, payload, err := tdcstream.ReadFrame(file)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nFrames, fmt.Errorf("error reading frame %d: %w", nFrames, err)
		}
		if err := manager.Push(tdcstream.NewBufferFromFrame(header, payload)); err != nil {
			return nFrames, err
		}
		if err := manager.ScanNewData(); err != nil {
			return nFrames, err
		}
		nFrames++
	}
	return nFrames, nil
}

func renderPlots(manager *tdcstream.Manager, hists *tdcstream.MemoryHistograms) error {
	if err := os.MkdirAll(configuration.PlotDir, 0o755); err != nil {
		return err
	}
	files, err := tdcstream.RenderHistograms(hists, configuration.PlotDir)
	if err != nil {
		return fmt.Errorf("Error rendering histograms: %w", err)
	}
	for _, src := range manager.Sources() {
		calib := src.Calibrator()
		file, err := tdcstream.RenderCurves(calib.Board(), calib.Channels(), configuration.CoarseUnit, configuration.PlotDir)
		if err != nil {
			return fmt.Errorf("Error rendering curves: %w", err)
		}
		files = append(files, file)
	}
	if VerbosityLevel > 0 {
		logger.Info(fmt.Sprintf("Plots written: %d", len(files)), "main")
	}
	return nil
}
