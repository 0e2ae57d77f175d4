package fs

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// StateDir holds backups and the change journal inside the project root.
const StateDir = ".scribe"

// FileSystem wraps the Afero Fs interface. All paths are relative to the project root.
type FileSystem struct {
	Fs afero.Fs

	// Backup copies files into StateDir/backups before they are modified or deleted.
	Backup bool
	// Journal appends every applied operation to StateDir/journal.jsonl.
	Journal bool

	now func() time.Time
}

// NewMemoryFileSystem creates a new in-memory file system
func NewMemoryFileSystem() *FileSystem {
	return &FileSystem{
		Fs:  afero.NewMemMapFs(),
		now: time.Now,
	}
}

// NewOsFileSystem creates a file system rooted at root on disk. The root is created if missing.
func NewOsFileSystem(root string) (*FileSystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("error resolving project root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("error creating project root %s: %w", abs, err)
	}
	return &FileSystem{
		Fs:  afero.NewBasePathFs(afero.NewOsFs(), abs),
		now: time.Now,
	}, nil
}

// ReadFile returns the content of a project file.
func (fs *FileSystem) ReadFile(path string) (string, error) {
	b, err := afero.ReadFile(fs.Fs, path)
	if err != nil {
		return "", fmt.Errorf("error reading file %s: %w", path, err)
	}
	return string(b), nil
}

// WriteFile creates a new file with the given content or overwrites an existing file with the content
func (fs *FileSystem) WriteFile(path string, content string) error {
	if err := fs.Fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating directory for %s: %w", path, err)
	}
	err := afero.WriteFile(fs.Fs, path, []byte(content), 0644)
	if err != nil {
		return fmt.Errorf("error writing file %s: %w", path, err)
	}
	return nil
}

// Tree lists project files with forward slashes, sorted. State and VCS
// directories are left out.
func (fs *FileSystem) Tree() ([]string, error) {
	var files []string
	err := afero.Walk(fs.Fs, ".", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == "." {
			return nil
		}
		rel := filepath.ToSlash(strings.TrimPrefix(path, string(os.PathSeparator)))
		if info.IsDir() {
			switch filepath.Base(rel) {
			case StateDir, ".git":
				return filepath.SkipDir
			}
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error walking file system: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// Export writes the project tree as a zip archive to w and returns the number of files written.
func (fs *FileSystem) Export(w io.Writer) (int, error) {
	files, err := fs.Tree()
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, fmt.Errorf("no files to zip")
	}

	zipWriter := zip.NewWriter(w)
	for _, path := range files {
		if err := fs.addToZip(zipWriter, path); err != nil {
			zipWriter.Close()
			return 0, err
		}
	}
	if err := zipWriter.Close(); err != nil {
		return 0, fmt.Errorf("error closing zip writer: %w", err)
	}
	return len(files), nil
}

func (fs *FileSystem) addToZip(zw *zip.Writer, path string) error {
	writer, err := zw.Create(path)
	if err != nil {
		return fmt.Errorf("error creating zip entry for file %s: %w", path, err)
	}
	file, err := fs.Fs.Open(path)
	if err != nil {
		return fmt.Errorf("error opening file %s: %w", path, err)
	}
	defer file.Close()

	if _, err := io.Copy(writer, file); err != nil {
		return fmt.Errorf("error writing file %s to zip: %w", path, err)
	}
	return nil
}

// WriteToZip writes the project tree to a zip file on the real file system.
func (fs *FileSystem) WriteToZip(zipPath string) (int, error) {
	zipFile, err := os.Create(zipPath)
	if err != nil {
		return 0, fmt.Errorf("error creating zip file: %w", err)
	}
	n, err := fs.Export(zipFile)
	if cerr := zipFile.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("error closing zip file: %w", cerr)
	}
	if err != nil {
		os.Remove(zipPath)
		return 0, err
	}
	return n, nil
}

func (fs *FileSystem) clock() time.Time {
	if fs.now == nil {
		return time.Now()
	}
	return fs.now()
}
