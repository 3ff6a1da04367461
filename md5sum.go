package wup

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
)

// md5ChunkSize bounds each read to the ≤1 MiB chunks spec §4.3 calls for.
const md5ChunkSize = 1 << 20

// FileMD5Hex streams path through MD5 in ≤1 MiB chunks and returns its
// digest as a lowercase 32-character hex string. No ecosystem MD5
// implementation appears anywhere in the retrieved corpus (the historical
// shell-out-to-openssl path in original_source/usb_win_update/md5_utils.cpp
// is explicitly abandoned by spec §9), so this uses the standard library's
// streaming crypto/md5.Hash directly.
func FileMD5Hex(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFileOpen, err)
	}
	defer f.Close()

	h := md5.New()
	r := bufio.NewReaderSize(f, md5ChunkSize)
	buf := make([]byte, md5ChunkSize)

	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, werr := h.Write(buf[:n]); werr != nil {
				return "", errors.Wrap(werr, "md5: hash update")
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", errors.Wrap(readErr, "md5: read")
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
