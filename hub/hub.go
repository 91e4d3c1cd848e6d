// Package hub gives access to the files of a HuggingFace model repository.
//
// A Repo is either a local directory holding the files of a checkpoint, or a remote repository
// on the HuggingFace Hub, whose files are downloaded on demand into a local cache:
//
//	repo := hub.New("bert-base-cased").WithAuth(os.Getenv("HF_TOKEN"))
//	vocabPath, err := repo.DownloadFile(ctx, "vocab.txt")
//
// Settings (cache directory, endpoint, token) can be read from the environment with LoadSettings.
package hub

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DefaultEndpoint is the HuggingFace Hub.
	DefaultEndpoint = "https://huggingface.co"

	// DefaultRevision is the branch used when none is given.
	DefaultRevision = "main"

	// DefaultDirCreationPerm is used when creating cache directories.
	DefaultDirCreationPerm = 0755
)

// Repo is a handle to a model repository, local or remote.
//
// It's not safe to configure a Repo concurrently, but once configured, downloads can be issued from
// multiple goroutines.
type Repo struct {
	// ID of the repository, e.g. "bert-base-cased", or a local directory.
	ID string

	revision  string
	authToken string
	cacheDir  string
	endpoint  string
	offline   bool
	verbosity int

	localDir string

	muClient sync.Mutex
	client   *resty.Client

	muFiles sync.Mutex
	files   []string
}

// New creates a Repo for the given model id.
// If id is an existing local directory, the Repo serves files from it and never downloads anything.
func New(id string) *Repo {
	r := &Repo{
		ID:       id,
		revision: DefaultRevision,
		endpoint: DefaultEndpoint,
		cacheDir: DefaultCacheDir(),
	}
	if fi, err := os.Stat(id); err == nil && fi.IsDir() {
		r.localDir = id
	}
	return r
}

// NewWithSettings creates a Repo configured from the given Settings.
func NewWithSettings(id string, s Settings) *Repo {
	r := New(id).WithAuth(s.Token).WithEndpoint(s.Endpoint)
	if s.CacheDir != "" {
		r = r.WithCacheDir(s.CacheDir)
	}
	r.offline = s.Offline
	return r
}

// WithAuth sets the token used to access private or gated repositories.
func (r *Repo) WithAuth(token string) *Repo {
	r.authToken = token
	r.resetClient()
	return r
}

// WithRevision sets the branch, tag or commit to download from.
func (r *Repo) WithRevision(revision string) *Repo {
	r.revision = revision
	return r
}

// WithCacheDir sets the directory where downloaded files are stored.
func (r *Repo) WithCacheDir(dir string) *Repo {
	r.cacheDir = dir
	return r
}

// WithEndpoint sets the Hub endpoint, e.g. for mirrors or tests.
func (r *Repo) WithEndpoint(endpoint string) *Repo {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	r.endpoint = strings.TrimRight(endpoint, "/")
	r.resetClient()
	return r
}

// WithOffline disables network access: only files already in the cache are served.
func (r *Repo) WithOffline(offline bool) *Repo {
	r.offline = offline
	return r
}

// WithProgressBar enables a progress bar on stderr while downloading.
func (r *Repo) WithProgressBar(enabled bool) *Repo {
	if enabled {
		r.verbosity = 1
	} else {
		r.verbosity = 0
	}
	return r
}

// IsLocal reports whether the Repo is backed by a local directory.
func (r *Repo) IsLocal() bool {
	return r.localDir != ""
}

// String implements fmt.Stringer.
func (r *Repo) String() string {
	if r.IsLocal() {
		return "local:" + r.localDir
	}
	return r.ID + "@" + r.revision
}

// repoCacheDir is where the files of this repository and revision are stored.
func (r *Repo) repoCacheDir() string {
	safeID := strings.ReplaceAll(r.ID, "/", "--")
	return filepath.Join(r.cacheDir, "models--"+safeID, r.revision)
}

func (r *Repo) resetClient() {
	r.muClient.Lock()
	defer r.muClient.Unlock()
	r.client = nil
}

// getClient returns the HTTP client, created on first use. Downloads call it concurrently.
func (r *Repo) getClient() *resty.Client {
	r.muClient.Lock()
	defer r.muClient.Unlock()
	if r.client == nil {
		r.client = resty.New().
			SetBaseURL(r.endpoint).
			SetRetryCount(2).
			SetHeader("User-Agent", "tokclass")
		if r.authToken != "" {
			r.client.SetAuthToken(r.authToken)
		}
	}
	return r.client
}

// repoInfo is the subset of the Hub model info API we use.
type repoInfo struct {
	ID       string `json:"id"`
	SHA      string `json:"sha"`
	Siblings []struct {
		RFilename string `json:"rfilename"`
	} `json:"siblings"`
}

// FileNames returns the names of all files in the repository, relative to its root.
// The list is fetched once and cached.
func (r *Repo) FileNames(ctx context.Context) ([]string, error) {
	r.muFiles.Lock()
	defer r.muFiles.Unlock()
	if r.files != nil {
		return r.files, nil
	}

	var files []string
	var err error
	switch {
	case r.IsLocal():
		files, err = listDir(r.localDir)
	case r.offline:
		files, err = listDir(r.repoCacheDir())
	default:
		files, err = r.fetchFileNames(ctx)
	}
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	r.files = files
	return files, nil
}

func (r *Repo) fetchFileNames(ctx context.Context) ([]string, error) {
	var info repoInfo
	url := "/api/models/" + r.ID + "/revision/" + r.revision
	resp, err := r.getClient().R().SetContext(ctx).SetResult(&info).Get(url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list files of %s", r)
	}
	if resp.IsError() {
		return nil, errors.Errorf("failed to list files of %s: %s", r, resp.Status())
	}
	files := make([]string, 0, len(info.Siblings))
	for _, s := range info.Siblings {
		files = append(files, s.RFilename)
	}
	klog.V(1).Infof("hub: %s has %d files", r, len(files))
	return files, nil
}

// listDir lists regular files under dir, recursively, skipping download artifacts.
func listDir(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".lock") || strings.HasSuffix(path, ".downloading") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list files in %q", dir)
	}
	return files, nil
}

// IterFileNames iterates over the file names of the repository.
// On error, it yields once with the error and stops.
func (r *Repo) IterFileNames() func(yield func(string, error) bool) {
	return func(yield func(string, error) bool) {
		files, err := r.FileNames(context.Background())
		if err != nil {
			yield("", err)
			return
		}
		for _, f := range files {
			if !yield(f, nil) {
				return
			}
		}
	}
}

// HasFile reports whether the repository has the given file.
// Listing errors are logged and reported as a missing file.
func (r *Repo) HasFile(fileName string) bool {
	files, err := r.FileNames(context.Background())
	if err != nil {
		klog.Warningf("hub: can't list files of %s: %v", r, err)
		return false
	}
	_, found := slices.BinarySearch(files, fileName)
	return found
}

// DownloadFile returns the local path of fileName, downloading it to the cache if needed.
// For local repositories it returns the path inside the directory.
func (r *Repo) DownloadFile(ctx context.Context, fileName string) (string, error) {
	if r.IsLocal() {
		p := filepath.Join(r.localDir, filepath.FromSlash(fileName))
		if _, err := os.Stat(p); err != nil {
			return "", errors.Wrapf(err, "file %q not found in %s", fileName, r)
		}
		return p, nil
	}

	filePath := filepath.Join(r.repoCacheDir(), filepath.FromSlash(fileName))
	if r.offline {
		if _, err := os.Stat(filePath); err != nil {
			return "", errors.Wrapf(err, "file %q not in cache and hub is offline", fileName)
		}
		return filePath, nil
	}
	url := r.endpoint + "/" + r.ID + "/resolve/" + r.revision + "/" + fileName
	if err := r.lockedDownload(ctx, url, filePath, false); err != nil {
		return "", err
	}
	return filePath, nil
}
