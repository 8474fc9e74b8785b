package statedb

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/asheshgoplani/ttydeck/internal/registry"
)

// MetaJSONImported marks that the JSON registry snapshot has been copied in.
const MetaJSONImported = "json_imported"

// ImportJSON copies the records of a JSON registry file into db once. It
// returns the number of records imported; zero when already imported, the
// file is missing, or the database already holds records.
func ImportJSON(jsonPath string, db *StateDB) (int, error) {
	done, err := db.GetMeta(MetaJSONImported)
	if err != nil {
		return 0, fmt.Errorf("statedb: read import marker: %w", err)
	}
	if done != "" {
		return 0, nil
	}

	if _, err := os.Stat(jsonPath); errors.Is(err, os.ErrNotExist) {
		return 0, db.SetMeta(MetaJSONImported, "none")
	}

	empty, err := db.IsEmpty()
	if err != nil {
		return 0, fmt.Errorf("statedb: check empty: %w", err)
	}
	var n int
	if empty {
		recs, err := registry.NewJSONStore(jsonPath).Load()
		if err != nil {
			return 0, fmt.Errorf("statedb: read json registry: %w", err)
		}
		if err := db.SaveRecords(recs); err != nil {
			return 0, fmt.Errorf("statedb: import records: %w", err)
		}
		n = len(recs)
	}
	if err := db.SetMeta(MetaJSONImported, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return n, fmt.Errorf("statedb: write import marker: %w", err)
	}
	return n, nil
}
