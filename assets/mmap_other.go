//go:build !unix

package assets

import (
	"io"
	"os"
)

// mmapFile reads the whole file on platforms without a mapping helper.
func mmapFile(f *os.File, size int64) ([]byte, error) {
	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, err
	}
	return data, nil
}

func munmapFile([]byte) error {
	return nil
}
