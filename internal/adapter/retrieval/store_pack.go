package retrieval

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"

	"llmflow/internal/domain"
)

// packMagic prefixes every pack file.
var packMagic = [4]byte{'L', 'F', 'R', 'G'}

// packStore persists the cache as a versioned binary pack: the magic, a
// big-endian uint16 version, then the gob-encoded cacheFile.
type packStore struct{}

func (packStore) Format() string { return domain.StoragePack }

func (packStore) Load(path string) (*cacheFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 6 || !bytes.Equal(data[:4], packMagic[:]) {
		return nil, fmt.Errorf("%w: %s is not a pack file", domain.ErrCacheFormat, path)
	}
	version := binary.BigEndian.Uint16(data[4:6])
	if version == 0 || int(version) > cacheVersion {
		return nil, fmt.Errorf("%w: pack version %d", domain.ErrCacheFormat, version)
	}

	var cf cacheFile
	if err := gob.NewDecoder(bytes.NewReader(data[6:])).Decode(&cf); err != nil {
		return nil, fmt.Errorf("%w: decode pack: %v", domain.ErrCacheFormat, err)
	}
	cf.Version = int(version)
	return &cf, nil
}

func (packStore) Save(path string, cf *cacheFile) error {
	var buf bytes.Buffer
	buf.Write(packMagic[:])
	binary.Write(&buf, binary.BigEndian, uint16(cacheVersion)) //nolint:errcheck // bytes.Buffer never fails
	if err := gob.NewEncoder(&buf).Encode(cf); err != nil {
		return fmt.Errorf("%w: encode pack: %v", domain.ErrCacheStore, err)
	}
	return writeAtomic(path, buf.Bytes())
}
