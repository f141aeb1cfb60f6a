package dataset

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Filetype selects how the input images archive is unpacked.
type Filetype string

const (
	FiletypeZip   Filetype = "zip"
	FiletypeTar   Filetype = "tar"
	FiletypeInfer Filetype = "infer"
)

// ParseFiletype validates a user-supplied filetype string.
func ParseFiletype(s string) (Filetype, error) {
	switch ft := Filetype(strings.ToLower(s)); ft {
	case FiletypeZip, FiletypeTar, FiletypeInfer:
		return ft, nil
	}
	return "", errors.Errorf("unknown input images filetype %q, valid values are %q, %q and %q",
		s, FiletypeZip, FiletypeTar, FiletypeInfer)
}

// Resolve maps FiletypeInfer to a concrete kind using the archive file name.
// It is a pure string check, no I/O, so bad inputs fail before anything runs.
func (ft Filetype) Resolve(archivePath string) (Filetype, error) {
	switch ft {
	case FiletypeZip, FiletypeTar:
		return ft, nil
	case FiletypeInfer:
		lower := strings.ToLower(archivePath)
		switch {
		case strings.HasSuffix(lower, ".zip"):
			return FiletypeZip, nil
		case strings.HasSuffix(lower, ".tar"), strings.HasSuffix(lower, ".tgz"),
			strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tar.bz2"):
			return FiletypeTar, nil
		}
		return "", errors.Errorf("cannot infer the archive type of %q, expected a .zip or .tar file "+
			"(set input_images_filetype to zip or tar to override)", archivePath)
	}
	return "", errors.Errorf("unknown input images filetype %q", string(ft))
}

// ExtractArchive unpacks archivePath into destDir, creating it if needed.
// Extraction shells out to the external tar/unzip commands.
func ExtractArchive(archivePath, destDir string, filetype Filetype) error {
	resolved, err := filetype.Resolve(archivePath)
	if err != nil {
		return err
	}
	archivePath, err = filepath.Abs(archivePath)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve path %q", archivePath)
	}
	if err := os.MkdirAll(destDir, 0777); err != nil {
		return errors.Wrapf(err, "failed to create extraction directory %q", destDir)
	}

	var cmd *exec.Cmd
	switch resolved {
	case FiletypeZip:
		cmd = exec.Command("unzip", "-u", archivePath)
	case FiletypeTar:
		compressionFlag := ""
		if strings.HasSuffix(archivePath, ".gz") || strings.HasSuffix(archivePath, ".tgz") {
			compressionFlag = "z"
		} else if strings.HasSuffix(archivePath, ".bz2") {
			compressionFlag = "j"
		}
		cmd = exec.Command("tar", fmt.Sprintf("x%sf", compressionFlag), archivePath)
	}
	cmd.Dir = destDir
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "failed to run %q", cmd)
	}
	return nil
}
