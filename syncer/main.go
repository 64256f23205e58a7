package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	sqlx "github.com/jmoiron/sqlx"
	tdcstream "github.com/next-exp/tdcstream/pkg"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const cycleFrames = 64

var dbConn *sqlx.DB
var configuration tdcstream.Configuration

var (
	logger         tdcstream.SlogLogger
	VerbosityLevel int
)

func init() {
	logger = tdcstream.NewSlogLogger(os.Stdout, os.Stderr)
}

func main() {
	configFilename := flag.String("config", "", "Configuration file path")
	flag.Parse()

	if err := run(*configFilename); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

func run(configFilename string) error {
	var err error
	configuration, err = tdcstream.LoadConfiguration(configFilename)
	if err != nil {
		return fmt.Errorf("Error reading configuration file: %w", err)
	}

	VerbosityLevel = configuration.Verbosity
	if VerbosityLevel > 0 {
		message := fmt.Sprintf("Reading configuration file: %s", configFilename)
		logger.Info(message, "main")
		tdcstream.PrintConfiguration(configuration, logger)
	}

	boards, err := loadBoards()
	if err != nil {
		return err
	}

	metrics := tdcstream.NewMetrics()
	if configuration.MetricsAddr != "" {
		go serveMetrics(metrics)
	}

	manager := tdcstream.NewManager(configuration,
		tdcstream.WithLogger(logger),
		tdcstream.WithMetrics(metrics),
		tdcstream.WithCalibrationStore(tdcstream.NewFileCalibrationStore(configuration.CalibrationDir)),
	)
	for _, board := range boards {
		if _, err := manager.AddBoard(board); err != nil {
			return fmt.Errorf("Error adding board: %w", err)
		}
	}

	file, err := os.Open(configuration.FileIn)
	if err != nil {
		return fmt.Errorf("Error opening file: %w", err)
	}
	defer file.Close()

	writer, err := tdcstream.NewWriter(configuration.FileOut, configuration.RunNumber, manager.RunID(), boards)
	if err != nil {
		return fmt.Errorf("Error creating output file: %w", err)
	}

	start := time.Now()
	nEvents, runErr := processFrames(manager, NewFileReader(file), writer)
	runErr = errors.Join(runErr, writer.Close())

	if VerbosityLevel > 0 {
		duration := time.Since(start)
		message := fmt.Sprintf("Events written: %d in %d ms", nEvents, duration.Milliseconds())
		logger.Info(message, "main")
	}
	return runErr
}

func loadBoards() ([]tdcstream.BoardSetup, error) {
	if configuration.NoDB || len(configuration.Boards) > 0 {
		if len(configuration.Boards) == 0 {
			return nil, errors.New("no boards configured and database disabled")
		}
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

func serveMetrics(metrics *tdcstream.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOptions{}))
	if VerbosityLevel > 0 {
		logger.Info(fmt.Sprintf("Serving metrics on %s", configuration.MetricsAddr), "main")
	}
	if err := http.ListenAndServe(configuration.MetricsAddr, mux); err != nil {
		errMessage := fmt.Errorf("metrics server stopped: %w", err)
		logger.Error(errMessage.Error())
	}
}

func processFrames(manager *tdcstream.Manager, fileReader *FileReader, writer tdcstream.EventStore) (int, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := make(chan frameData, cycleFrames)
	go sendFramesToManager(ctx, fileReader, frames)

	nEvents := 0
	nFrames := 0
	for frame := range frames {
		if frame.Err != nil {
			return nEvents, fmt.Errorf("error reading frame %d: %w", fileReader.FrameCount+1, frame.Err)
		}
		if err := processFrame(manager, frame); err != nil {
			return nEvents, err
		}
		nFrames++
		if nFrames%cycleFrames != 0 {
			continue
		}
		n, err := manager.Cycle(writer)
		nEvents += n
		if err != nil {
			return nEvents, err
		}
	}

	n, err := manager.Finish(writer)
	nEvents += n
	return nEvents, err
}

// processFrame pushes one frame. Panics are logged and the frame is
// discarded, fatal errors stop the run.
func processFrame(manager *tdcstream.Manager, frame frameData) (err error) {
	defer func() {
		if r := recover(); r != nil {
			errMessage := fmt.Errorf("syncer recovered from panic on board 0x%04x: %v", frame.Header.BoardID, r)
			logger.Error(errMessage.Error())
			err = nil
		}
	}()

	buf := tdcstream.NewBufferFromFrame(frame.Header, frame.Payload)
	if err := manager.Push(buf); err != nil {
		if tdcstream.IsFatal(err) {
			return err
		}
		errMessage := fmt.Errorf("discarding frame of board 0x%04x: %w", frame.Header.BoardID, err)
		logger.Error(errMessage.Error())
	}
	return nil
}
