package patchlib

import (
	"encoding/json"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
)

// fileMD5 computes the hex MD5 digest of a file reached through fs, mirroring
// MD5File but usable against an in-memory afero.Fs in tests.
func fileMD5(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return md5Reader(f)
}

// classifySampleFromFs applies the text/binary heuristic against a file
// reached through fs.
func classifySampleFromFs(fs afero.Fs, path string) (FileKind, error) {
	f, err := fs.Open(path)
	if err != nil {
		return KindText, err
	}
	defer f.Close()
	buf := make([]byte, classifySampleSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return KindText, err
	}
	return classifySample(buf[:n]), nil
}

// copyFile copies src to dst through fs, creating dst's parent directory.
func copyFile(fs afero.Fs, src, dst string) error {
	if err := fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := fs.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// jsonMarshal is a thin indirection kept so every manifest encode in this
// package goes through one place.
func jsonMarshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// jsonUnmarshal mirrors jsonMarshal for decoding.
func jsonUnmarshal(b []byte, v interface{}) error {
	return json.Unmarshal(b, v)
}
