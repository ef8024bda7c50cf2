package fileutil

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/option"
	_ "github.com/viant/afsc/s3"
)

var fileSystem = afs.New()

const partSize = 64 * 1024 * 1024

func ReadFileBytes(ctx context.Context, filename string) (out []byte, err error) {
	file, err := fileSystem.OpenURL(ctx, filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, CloseFile(file))
	}(file)

	out, err = io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadLines reads every line of filename with surrounding whitespace stripped.
// Blank lines are kept as empty strings unless skipBlank is set.
func ReadLines(ctx context.Context, filename string, skipBlank bool) (lines []string, err error) {
	file, err := fileSystem.OpenURL(ctx, filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, CloseFile(file))
	}(file)

	r := bufio.NewReader(file)
	for {
		line, readErr := ReadLine(r)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, readErr
		}
		if errors.Is(readErr, io.EOF) && len(line) == 0 {
			break
		}
		text := strings.TrimSpace(string(line))
		if text != "" || !skipBlank {
			lines = append(lines, text)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
	}
	return lines, nil
}

func CloseFile(file io.Closer) error {
	return file.Close()
}

func GetPathType(path string) string {
	if strings.HasPrefix(path, "s3://") {
		return "S3"
	}
	return "os"
}

func IsRemoteURL(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

// ReadLine returns a single line (without the ending \n)
// from the input buffered reader.
// This function is needed to avoid the 65K char line limit.
func ReadLine(r *bufio.Reader) ([]byte, error) {
	var (
		isPrefix = true
		err      error
		line, ln []byte
	)
	for isPrefix && err == nil {
		line, isPrefix, err = r.ReadLine()
		ln = append(ln, line...)
	}
	return ln, err
}

// PathJoinSafe wrapper around filepath.Join to ensure that paths are correctly constructed
// if the path is a normal OS path, just use filepath.Join
// if the path is S3, trim any trailing slashes and construct it manually from the components
// so that double slashes (e.g. s3://) are preserved.
func PathJoinSafe(elem ...string) string {
	var path string

	switch GetPathType(elem[0]) {
	case "S3":
		basePath := strings.TrimSuffix(elem[0], "/")
		path = basePath + "/" + filepath.ToSlash(filepath.Join(elem[1:]...))
	default:
		path = filepath.Join(elem...)
	}
	return path
}

func CopyFile(ctx context.Context, from string, to string) error {
	return fileSystem.Copy(ctx, from, to, option.NewSource(option.NewStream(partSize, 0)), option.NewDest(option.NewSkipChecksum(true)))
}

func CreateDir(ctx context.Context, dir string) error {
	return fileSystem.Create(ctx, dir, os.ModePerm, true)
}

func FileExists(ctx context.Context, filename string) (bool, error) {
	return fileSystem.Exists(ctx, filename)
}

// List returns the base names of the regular files directly inside dir.
func List(ctx context.Context, dir string) ([]string, error) {
	objects, err := fileSystem.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, object := range objects {
		if object.IsDir() {
			continue
		}
		names = append(names, object.Name())
	}
	return names, nil
}
