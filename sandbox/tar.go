package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// tarFiles builds an uncompressed tar archive that places each file under
// dir when extracted at the filesystem root. Names must be plain file names.
func tarFiles(dir string, files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
			return nil, fmt.Errorf("invalid file name in archive: %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	base := strings.TrimPrefix(path.Clean("/"+dir), "/")
	now := time.Now()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		data := files[name]
		hdr := &tar.Header{
			Name:     path.Join(base, name),
			Mode:     FilePermission,
			Size:     int64(len(data)),
			ModTime:  now,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
