package retrieval

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"llmflow/internal/domain"
)

// sqliteStore persists the cache as a SQLite database. Vectors are stored
// as little-endian float32 blobs.
type sqliteStore struct{}

func (sqliteStore) Format() string { return domain.StorageSQLite }

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		seq    INTEGER PRIMARY KEY,
		text   TEXT NOT NULL,
		source TEXT NOT NULL,
		vector BLOB
	);
`

func openCacheDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", domain.ErrCacheStore, err)
	}
	// SQLite write safety: single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: pragma: %v", domain.ErrCacheStore, err)
	}
	return db, nil
}

func (sqliteStore) Load(path string) (*cacheFile, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := openCacheDB(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	meta := make(map[string]string)
	rows, err := db.Query("SELECT key, value FROM meta")
	if err != nil {
		return nil, fmt.Errorf("%w: read meta: %v", domain.ErrCacheFormat, err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan meta: %v", domain.ErrCacheFormat, err)
		}
		meta[k] = v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read meta: %v", domain.ErrCacheFormat, err)
	}

	version, err := strconv.Atoi(meta["version"])
	if err != nil || version <= 0 || version > cacheVersion {
		return nil, fmt.Errorf("%w: sqlite cache version %q", domain.ErrCacheFormat, meta["version"])
	}
	cf := &cacheFile{Version: version}
	if err := json.Unmarshal([]byte(meta["config"]), &cf.Config); err != nil {
		return nil, fmt.Errorf("%w: config: %v", domain.ErrCacheFormat, err)
	}
	if cf.CreatedAt, err = time.Parse(time.RFC3339Nano, meta["created_at"]); err != nil {
		return nil, fmt.Errorf("%w: created_at: %v", domain.ErrCacheFormat, err)
	}

	crows, err := db.Query("SELECT text, source, vector FROM chunks ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("%w: read chunks: %v", domain.ErrCacheFormat, err)
	}
	defer crows.Close()
	for crows.Next() {
		var (
			c    domain.Chunk
			blob []byte
		)
		if err := crows.Scan(&c.Text, &c.Source, &blob); err != nil {
			return nil, fmt.Errorf("%w: scan chunk: %v", domain.ErrCacheFormat, err)
		}
		c.Vector = bytesToFloat32(blob)
		cf.Chunks = append(cf.Chunks, c)
	}
	if err := crows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read chunks: %v", domain.ErrCacheFormat, err)
	}
	return cf, nil
}

// Save builds the database next to path and renames it into place, so a
// reader never sees a half-written cache.
func (sqliteStore) Save(path string, cf *cacheFile) error {
	tmpPath := filepath.Join(filepath.Dir(path), fmt.Sprintf("%s-%d.tmp", filepath.Base(path), time.Now().UnixNano()))
	if err := writeSQLite(tmpPath, cf); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: rename: %v", domain.ErrCacheStore, err)
	}
	return nil
}

func writeSQLite(path string, cf *cacheFile) error {
	db, err := openCacheDB(path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("%w: migrate: %v", domain.ErrCacheStore, err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrCacheStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	cfgJSON, err := json.Marshal(cf.Config)
	if err != nil {
		return fmt.Errorf("%w: marshal config: %v", domain.ErrCacheStore, err)
	}
	meta := map[string]string{
		"version":    strconv.Itoa(cacheVersion),
		"config":     string(cfgJSON),
		"created_at": cf.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range meta {
		if _, err := tx.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", k, v); err != nil {
			return fmt.Errorf("%w: write meta: %v", domain.ErrCacheStore, err)
		}
	}

	stmt, err := tx.Prepare("INSERT INTO chunks (seq, text, source, vector) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("%w: prepare: %v", domain.ErrCacheStore, err)
	}
	defer stmt.Close()
	for i, c := range cf.Chunks {
		if _, err := stmt.Exec(i, c.Text, c.Source, float32ToBytes(c.Vector)); err != nil {
			return fmt.Errorf("%w: insert chunk %d: %v", domain.ErrCacheStore, i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", domain.ErrCacheStore, err)
	}
	return nil
}

// float32ToBytes converts a float32 slice to little-endian bytes.
func float32ToBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32 converts little-endian bytes back to a float32 slice.
func bytesToFloat32(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
