package patchlib

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"

	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"
)

// MD5File returns the hex-encoded MD5 digest of the file at path. MD5 is
// used for wire compatibility with the archive format (SPEC_FULL.md §4.1);
// it is never used for anything security-sensitive here.
func MD5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &OpError{Op: "md5", Err: err}
	}
	defer f.Close()
	return md5Reader(f)
}

func md5Reader(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", &OpError{Op: "md5", Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MD5Bytes returns the hex-encoded MD5 digest of b.
func MD5Bytes(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// StrongHashFile returns a supplementary, collision-resistant digest of the
// file at path, over and above the MD5 that the manifest wire format
// requires (SPEC_FULL.md §3: MD5 stays the wire format, blake2b is an
// extra digest). The merge engine logs the same digest, via
// strongHashFileFs, for every overlay file it writes; StrongHashFile is
// exposed for callers that want a digest beyond the wire format.
func StrongHashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &OpError{Op: "blake2b", Err: err}
	}
	defer f.Close()
	return strongHashReader(f)
}

// strongHashFileFs is StrongHashFile reached through an afero.Fs, so the
// merge engine hashes through the same filesystem seam it writes through.
func strongHashFileFs(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", &OpError{Op: "blake2b", Err: err}
	}
	defer f.Close()
	return strongHashReader(f)
}

func strongHashReader(r io.Reader) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", &OpError{Op: "blake2b", Err: err}
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", &OpError{Op: "blake2b", Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
