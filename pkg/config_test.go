package tdcstream

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/smartystreets/goconvey/convey"
)

const testConfigYAML = `
verbosity: 2
file_in: run_42.bin
run_number: 42
no_db: true
trigger_mode: free
sync_kind: left
min_sync_count: 3
trigger_left: -1.0e-7
trigger_right: 3.0e-7
boards:
  - board_id: 10
    name: tdcA
    num_channels: 32
    trigger_channel: 0
    sync_channel: 31
    trigger_eligible: true
    sync_required: true
  - board_id: 11
    name: tdcB
    num_channels: 16
    sync_channel: 15
    sync_required: true
    references:
      - channel: 2
        ref_board: 10
        ref_channel: 0
`

func TestConfiguration(t *testing.T) {
	convey.Convey("Given the default configuration", t, func() {
		config := NewConfiguration()

		convey.Convey("It validates", func() {
			convey.So(config.Validate(), convey.ShouldBeNil)
		})

		convey.Convey("The merge distance is the window width", func() {
			convey.So(config.MergeDistance(), convey.ShouldAlmostEqual, 250e-9, 1e-15)
			config.TriggerMerge = 1e-6
			convey.So(config.MergeDistance(), convey.ShouldEqual, 1e-6)
		})

		convey.Convey("Broken settings are rejected", func() {
			config.TriggerRight = config.TriggerLeft
			convey.So(config.Validate(), convey.ShouldNotBeNil)
		})

		convey.Convey("Unknown modes are rejected", func() {
			config.SyncKind = "median"
			convey.So(config.Validate(), convey.ShouldNotBeNil)
			config.SyncKind = SyncNone
			config.TriggerMode = "sometimes"
			convey.So(config.Validate(), convey.ShouldNotBeNil)
		})

		convey.Convey("The database defaults are local", func() {
			convey.So(config.Host, convey.ShouldEqual, "localhost")
			convey.So(config.DBName, convey.ShouldEqual, "tdcstream")
		})

		convey.Convey("The ToT sample bound covers the minimum", func() {
			config.ToTMaxCount = config.ToTMinCount - 1
			convey.So(config.Validate(), convey.ShouldNotBeNil)
		})

		convey.Convey("The fine range must fit the bins", func() {
			config.FineMax = config.FineBins
			convey.So(config.Validate(), convey.ShouldNotBeNil)
		})
	})

	convey.Convey("Given a configuration file", t, func() {
		filename := filepath.Join(t.TempDir(), "config.yaml")
		convey.So(os.WriteFile(filename, []byte(testConfigYAML), 0644), convey.ShouldBeNil)

		convey.Convey("File values override the defaults", func() {
			config, err := LoadConfiguration(filename)
			convey.So(err, convey.ShouldBeNil)
			convey.So(config.RunNumber, convey.ShouldEqual, 42)
			convey.So(config.TriggerMode, convey.ShouldEqual, TriggerFree)
			convey.So(config.SyncKind, convey.ShouldEqual, SyncLeft)
			convey.So(config.MinSyncCount, convey.ShouldEqual, 3)
			convey.So(config.CoarseUnit, convey.ShouldEqual, 5e-9)
			convey.So(config.FileOut, convey.ShouldEqual, "events.h5")
		})

		convey.Convey("Boards are read with their references", func() {
			config, err := LoadConfiguration(filename)
			convey.So(err, convey.ShouldBeNil)
			convey.So(len(config.Boards), convey.ShouldEqual, 2)
			convey.So(config.Boards[0].Name, convey.ShouldEqual, "tdcA")
			convey.So(config.Boards[0].Capabilities().TriggerEligible, convey.ShouldBeTrue)
			convey.So(config.Boards[1].References, convey.ShouldResemble,
				[]ChannelRef{{Channel: 2, RefBoard: 10, RefChannel: 0}})
		})

		convey.Convey("Environment variables take precedence", func() {
			t.Setenv("TDCSTREAM_RUN_NUMBER", "7")
			t.Setenv("TDCSTREAM_FILE_OUT", "out.h5")
			config, err := LoadConfiguration(filename)
			convey.So(err, convey.ShouldBeNil)
			convey.So(config.RunNumber, convey.ShouldEqual, 7)
			convey.So(config.FileOut, convey.ShouldEqual, "out.h5")
		})
	})

	convey.Convey("Given a missing configuration file", t, func() {
		_, err := LoadConfiguration(filepath.Join(t.TempDir(), "nope.yaml"))

		convey.Convey("The error names the file", func() {
			var openErr *ErrOpenFile
			convey.So(errors.As(err, &openErr), convey.ShouldBeTrue)
			convey.So(openErr.Filename, convey.ShouldEndWith, "nope.yaml")
		})
	})
}
