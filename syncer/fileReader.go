package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	tdcstream "github.com/next-exp/tdcstream/pkg"
)

type FileReader struct {
	File       *os.File
	reader     *bufio.Reader
	FrameCount int
}

func NewFileReader(file *os.File) *FileReader {
	return &FileReader{File: file, reader: bufio.NewReaderSize(file, 1<<20), FrameCount: -1}
}

func (f *FileReader) getNextFrame() (tdcstream.FrameHeader, []byte, error) {
	header, payload, err := tdcstream.ReadFrame(f.reader)
	if err != nil {
		return header, nil, err
	}
	f.FrameCount++
	if f.FrameCount >= configuration.MaxFrames {
		if VerbosityLevel > 0 {
			logger.Info("Max frames reached", "fileReader")
		}
		return header, nil, io.EOF
	}
	if VerbosityLevel > 2 {
		message := fmt.Sprintf("Reading frame %d of board 0x%04x (%d bytes)", f.FrameCount, header.BoardID, len(payload))
		logger.Info(message, "fileReader")
	}
	return header, payload, nil
}

type frameData struct {
	Header  tdcstream.FrameHeader
	Payload []byte
	Err     error
}

// sendFramesToManager reads frames until the end of the file. A framing
// error is sent as the last item.
func sendFramesToManager(ctx context.Context, fileReader *FileReader, frames chan<- frameData) {
	defer close(frames)
	for {
		header, payload, err := fileReader.getNextFrame()
		if err == io.EOF {
			return
		}
		item := frameData{Header: header, Payload: payload, Err: err}
		select {
		case frames <- item:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}
