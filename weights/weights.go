// Package weights resolves the base model weights cache used for fine-tuning.
//
// The cache is a directory of extracted model files. Resolve reuses it when
// it already exists; otherwise it downloads the weights archive, extracts it
// into a staging directory and renames the staging directory into place, so
// an interrupted download can never leave a half-populated cache behind.
package weights

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Resolve makes sure cacheDir holds the extracted base weights.
//
// If cacheDir already exists it is used as is and nothing is downloaded.
// Otherwise the archive at url is downloaded, verified against checksum (a
// sha256 hex digest, skipped when empty) and extracted, and cacheDir only
// appears once the extraction finished. Any error is returned to the caller,
// which should treat it as fatal: training cannot proceed without weights.
func Resolve(url, cacheDir, checksum string, showProgressBar bool) error {
	if url == "" {
		return errors.New("weights URL must not be empty")
	}
	if cacheDir == "" {
		return errors.New("weights cache directory must not be empty")
	}
	cacheDir = fsutil.MustReplaceTildeInDir(cacheDir)
	if fsutil.MustFileExists(cacheDir) {
		klog.V(1).Infof("Base weights already cached in %q", cacheDir)
		return nil
	}
	removeStalePartials(cacheDir)

	start := time.Now()
	klog.Infof("Downloading base weights from %s", url)
	stagingDir := fmt.Sprintf("%s.partial-%s", cacheDir, uuid.NewString())
	archiveFile := stagingDir + archiveSuffix(url)
	defer func() {
		_ = os.Remove(archiveFile)
		_ = os.RemoveAll(stagingDir)
	}()

	if _, err := Download(url, archiveFile, showProgressBar); err != nil {
		return errors.WithMessagef(err, "failed to fetch base weights")
	}
	if checksum != "" {
		if err := validateChecksum(archiveFile, checksum); err != nil {
			return errors.WithMessagef(err, "base weights archive failed verification")
		}
	}
	if err := os.MkdirAll(stagingDir, 0777); err != nil {
		return errors.Wrapf(err, "failed to create staging directory %q", stagingDir)
	}
	if err := untar(stagingDir, archiveFile); err != nil {
		return errors.WithMessagef(err, "failed to extract base weights archive")
	}
	_ = os.Remove(archiveFile)
	if err := os.Rename(stagingDir, cacheDir); err != nil {
		if fsutil.MustFileExists(cacheDir) {
			// Another process finished the same download first.
			klog.Warningf("Weights cache %q appeared while downloading, reusing it", cacheDir)
			return nil
		}
		return errors.Wrapf(err, "failed to move extracted weights into %q", cacheDir)
	}
	klog.Infof("Base weights ready in %q after %s", cacheDir, time.Since(start).Round(time.Millisecond))
	return nil
}

// validateChecksum verifies the file's sha256 digest. On mismatch the file
// is removed so a rerun downloads it again.
func validateChecksum(filePath, checksum string) error {
	hasher := sha256.New()
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q for verification", filePath)
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(hasher, f); err != nil {
		return errors.Wrapf(err, "failed to hash %q", filePath)
	}
	fileHash := hex.EncodeToString(hasher.Sum(nil))
	if fileHash != strings.ToLower(checksum) {
		if err := os.Remove(filePath); err != nil {
			klog.Errorf("Failed to remove %q after checksum mismatch: %v", filePath, err)
		}
		return errors.Errorf("file %q sha256 hash is %q, but expected %q", filePath, fileHash, checksum)
	}
	return nil
}

// removeStalePartials clears staging leftovers of interrupted earlier runs.
func removeStalePartials(cacheDir string) {
	stale, err := filepath.Glob(cacheDir + ".partial-*")
	if err != nil {
		return
	}
	for _, p := range stale {
		klog.Warningf("Removing stale partial weights download %q", p)
		_ = os.RemoveAll(p)
	}
}

// archiveSuffix picks the archive file suffix from url, so extraction can
// select the right decompression flag.
func archiveSuffix(url string) string {
	if idx := strings.IndexByte(url, '?'); idx >= 0 {
		url = url[:idx]
	}
	for _, suffix := range []string{".tar.gz", ".tgz", ".tar.bz2", ".tar"} {
		if strings.HasSuffix(url, suffix) {
			return suffix
		}
	}
	return ".tar"
}

// Download fetches url and saves it at the given path.
// It attempts to create the directory if it doesn't yet exist.
//
// Optionally, use showProgressBar.
func Download(url, filePath string, showProgressBar bool) (size int64, err error) {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	err = os.MkdirAll(path.Dir(filePath), 0777)
	if err != nil && !os.IsExist(err) {
		return 0, errors.Wrapf(err, "failed to create the directory for the path %q", path.Dir(filePath))
	}
	client := http.Client{
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			r.URL.Opaque = r.URL.Path
			return nil
		},
	}
	var resp *http.Response
	resp, err = client.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return 0, errors.Errorf("failed downloading %q: %s", url, resp.Status)
	}
	var file *os.File
	file, err = os.Create(filePath)
	if err != nil {
		_ = resp.Body.Close()
		return 0, errors.Wrapf(err, "failed creating file %q", filePath)
	}
	if showProgressBar {
		size, err = copyWithProgressBar(file, resp.Body, resp.ContentLength)
	} else {
		size, err = io.Copy(file, resp.Body)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	err = file.Close()
	if err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", filePath)
	}
	err = resp.Body.Close()
	if err != nil {
		return 0, errors.Wrapf(err, "failed closing connection to %q", url)
	}
	return size, nil
}

// copyBytesBar copies bytes from an io.Reader to an io.Writer while displaying
// a progressbar. It requires knowing the contentLength.
type copyBytesBar struct {
	w                             io.Writer
	bar                           *progressbar.ProgressBar
	amountWritten                 int64
	barUnit, numUnits, addedUnits int64
}

func newCopyBytesBar(w io.Writer, contentLength int64) *copyBytesBar {
	bar := &copyBytesBar{w: w}
	bar.barUnit = 1
	for contentLength > bar.barUnit*1024*1024 {
		bar.barUnit *= 1024
	}
	bar.numUnits = (contentLength + bar.barUnit - 1) / bar.barUnit
	bar.bar = progressbar.NewOptions(int(bar.numUnits),
		progressbar.OptionSetDescription(fsutil.ByteCountIEC(contentLength)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return bar
}

// Write implements io.Writer, while updating the progress bar.
func (bar *copyBytesBar) Write(p []byte) (n int, err error) {
	n, err = bar.w.Write(p)
	bar.amountWritten += int64(n)
	toUnits := bar.amountWritten / bar.barUnit
	if toUnits > bar.addedUnits {
		_ = bar.bar.Add(int(toUnits - bar.addedUnits))
		bar.addedUnits = toUnits
	}
	return
}

// copyWithProgressBar is similar to io.Copy, but updates a progress bar with
// the amount of data copied. It requires knowing the content length up-front.
func copyWithProgressBar(dst io.Writer, src io.Reader, contentLength int64) (n int64, err error) {
	bar := newCopyBytesBar(dst, contentLength)
	n, err = io.Copy(bar, src)
	if bar.addedUnits < bar.numUnits {
		_ = bar.bar.Add(int(bar.numUnits - bar.addedUnits))
	}
	_ = bar.bar.Close()
	fmt.Println()
	return
}

// untar extracts tarFile inside baseDir, choosing the decompression flag from
// the file suffix: .gz/.tgz for gzip, .bz2 for bzip2.
func untar(baseDir, tarFile string) error {
	tarFile, err := filepath.Abs(tarFile)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve path %q", tarFile)
	}
	compressionFlag := ""
	if strings.HasSuffix(tarFile, ".gz") || strings.HasSuffix(tarFile, ".tgz") {
		compressionFlag = "z"
	} else if strings.HasSuffix(tarFile, ".bz2") {
		compressionFlag = "j"
	}
	cmd := exec.Command("tar", fmt.Sprintf("x%sf", compressionFlag), tarFile)
	cmd.Dir = baseDir
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "failed to run %q", cmd)
	}
	return nil
}
