package tdcstream

import (
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	sqlx "github.com/jmoiron/sqlx" //make alias name the package to sqlx
)

func ConnectToDatabase(user string, pass string, host string, dbname string) (*sqlx.DB, error) {
	port := "3306"
	dbURI := fmt.Sprintf("%s:%s@(%s:%s)/%s?parseTime=true", user, pass, host, port, dbname)
	db, err := sqlx.Connect("mysql", dbURI)
	return db, err
}

// LoadBoardSetup reads the boards valid for a run, with their channel
// references.
func LoadBoardSetup(db *sqlx.DB, runNumber int, logger Logger, verbosity int) ([]BoardSetup, error) {
	query := "SELECT BoardID, Name, NumChannels, TriggerChannel, SyncChannel, TriggerEligible, SyncRequired, RawScanOnly " +
		"FROM Boards WHERE MinRun <= %d and MaxRun >= %d ORDER BY BoardID"
	query = fmt.Sprintf(query, runNumber, runNumber)

	if verbosity > 0 {
		logger.Info(fmt.Sprintf("Reading board setup for run %d from database", runNumber), "database")
	}
	if verbosity > 2 {
		logger.Info(fmt.Sprintf("Query: %s", query), "database")
	}

	rows, err := db.Queryx(query)
	if err != nil {
		errMessage := fmt.Errorf("error querying database: %w", err)
		return nil, errMessage
	}
	defer rows.Close()

	boards := make([]BoardSetup, 0)
	index := make(map[uint32]int)
	for rows.Next() {
		result := BoardSetup{}
		err := rows.StructScan(&result)
		if err != nil {
			errMessage := fmt.Errorf("error scanning DB row: %w", err)
			return nil, errMessage
		}
		index[result.BoardID] = len(boards)
		boards = append(boards, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading boards: %w", err)
	}

	refs, err := getChannelRefsFromDB(db, runNumber, logger, verbosity)
	if err != nil {
		return nil, err
	}
	for board, list := range refs {
		i, ok := index[board]
		if !ok {
			if verbosity > 0 {
				logger.Info(fmt.Sprintf("Channel references for unknown board 0x%04x ignored", board), "database")
			}
			continue
		}
		boards[i].References = list
	}
	return boards, nil
}

type channelRefEntry struct {
	BoardID uint32 `db:"BoardID"`
	ChannelRef
}

func getChannelRefsFromDB(db *sqlx.DB, runNumber int, logger Logger, verbosity int) (map[uint32][]ChannelRef, error) {
	query := "SELECT BoardID, Channel, RefBoard, RefChannel FROM ChannelReferences " +
		"WHERE MinRun <= %d and MaxRun >= %d ORDER BY BoardID, Channel"
	query = fmt.Sprintf(query, runNumber, runNumber)
	if verbosity > 2 {
		logger.Info(fmt.Sprintf("Query: %s", query), "database")
	}

	rows, err := db.Queryx(query)
	if err != nil {
		errMessage := fmt.Errorf("error querying database: %w", err)
		return nil, errMessage
	}
	defer rows.Close()

	refs := make(map[uint32][]ChannelRef)
	for rows.Next() {
		result := channelRefEntry{}
		err := rows.StructScan(&result)
		if err != nil {
			errMessage := fmt.Errorf("error scanning DB row: %w", err)
			return nil, errMessage
		}
		refs[result.BoardID] = append(refs[result.BoardID], result.ChannelRef)
	}
	return refs, rows.Err()
}
