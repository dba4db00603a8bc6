// Package publication manages Apache web publications of infobases and the
// platform versions installed on the host.
package publication

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/EternisAI/rac-sentinel/internal/rac"
	"github.com/EternisAI/rac-sentinel/internal/store"
)

const (
	DefaultPlatformRoot   = "/opt/1cv8/x86_64"
	DefaultApacheConfDir  = "/etc/apache2/1c"
	DefaultWebinstTimeout = 2 * time.Minute
	defaultModuleFile     = "wsap24.so"
	defaultWebinstFile    = "webinst"
)

var (
	ErrVersionNotInstalled   = errors.New("platform version is not installed")
	ErrPublicationNotFound   = errors.New("publication not found")
	ErrInvalidPublicationArg = errors.New("invalid publication argument")
)

type Config struct {
	PlatformRoot   string        `mapstructure:"platform_root"`
	ApacheConfDir  string        `mapstructure:"apache_conf_dir"`
	WebinstTimeout time.Duration `mapstructure:"webinst_timeout"`
	ModuleFile     string        `mapstructure:"module_file"`
	WebinstFile    string        `mapstructure:"webinst_file"`
	ReloadCommand  string        `mapstructure:"reload_command"`
}

// Request describes a new publication. SiteName defaults to BaseName.
type Request struct {
	Version          string
	BaseName         string
	FolderPath       string
	ConnectionString string
	SiteName         string
}

// Apache reads and edits the per-site configuration files that webinst
// writes into ApacheConfDir; one file per site, named <site>.conf.
type Apache struct {
	cfg    Config
	runner rac.Runner
}

func NewApache(cfg Config, runner rac.Runner) *Apache {
	if cfg.PlatformRoot == "" {
		cfg.PlatformRoot = DefaultPlatformRoot
	}
	if cfg.ApacheConfDir == "" {
		cfg.ApacheConfDir = DefaultApacheConfDir
	}
	if cfg.WebinstTimeout <= 0 {
		cfg.WebinstTimeout = DefaultWebinstTimeout
	}
	if cfg.ModuleFile == "" {
		cfg.ModuleFile = defaultModuleFile
	}
	if cfg.WebinstFile == "" {
		cfg.WebinstFile = defaultWebinstFile
	}
	return &Apache{cfg: cfg, runner: runner}
}

// InstalledVersions lists version directories under the platform root that
// ship a webinst binary, oldest first.
func (a *Apache) InstalledVersions() ([]string, error) {
	entries, err := os.ReadDir(a.cfg.PlatformRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read platform root: %w", err)
	}

	var versions []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(a.cfg.PlatformRoot, e.Name(), a.cfg.WebinstFile)); err != nil {
			continue
		}
		versions = append(versions, e.Name())
	}
	sort.Slice(versions, func(i, j int) bool {
		return compareVersions(versions[i], versions[j]) < 0
	})
	return versions, nil
}

// ResolveBinPath returns the directory holding the given version's binaries.
func (a *Apache) ResolveBinPath(version string) (string, error) {
	version = strings.TrimSpace(version)
	if version == "" || strings.ContainsAny(version, `/\`) || version == "." || version == ".." {
		return "", fmt.Errorf("%w: version %q", ErrInvalidPublicationArg, version)
	}
	binPath := filepath.Join(a.cfg.PlatformRoot, version)
	if _, err := os.Stat(filepath.Join(binPath, a.cfg.WebinstFile)); err != nil {
		return "", fmt.Errorf("%w: %s", ErrVersionNotInstalled, version)
	}
	return binPath, nil
}

var (
	loadModuleRe = regexp.MustCompile(`(?i)^\s*LoadModule\s+_1cws_module\s+"?([^"]+?)"?\s*$`)
	aliasRe      = regexp.MustCompile(`(?i)^\s*Alias\s+"?([^"\s]+)"?\s+"?([^"]+?)"?\s*$`)
)

// ListPublications parses every site file in the Apache configuration
// directory. Files without a 1C alias are skipped.
func (a *Apache) ListPublications() ([]store.PublishedApp, error) {
	files, err := filepath.Glob(filepath.Join(a.cfg.ApacheConfDir, "*.conf"))
	if err != nil {
		return nil, fmt.Errorf("failed to list apache configs: %w", err)
	}
	sort.Strings(files)

	var apps []store.PublishedApp
	for _, path := range files {
		found, err := parseSiteFile(path)
		if err != nil {
			slog.Warn("Skipping unreadable apache config", "path", path, "error", err)
			continue
		}
		apps = append(apps, found...)
	}
	return apps, nil
}

func parseSiteFile(path string) ([]store.PublishedApp, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	site := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	var version string
	var apps []store.PublishedApp

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if m := loadModuleRe.FindStringSubmatch(line); m != nil {
			version = versionOfModule(m[1])
			continue
		}
		if m := aliasRe.FindStringSubmatch(line); m != nil {
			apps = append(apps, store.PublishedApp{
				SiteName:     site,
				AppPath:      m[1],
				PhysicalPath: strings.TrimRight(m[2], `/\`),
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	for i := range apps {
		apps[i].Version = version
	}
	return apps, nil
}

// versionOfModule takes the version from the module's parent directory,
// e.g. /opt/1cv8/x86_64/8.3.24.1467/wsap24.so -> 8.3.24.1467.
func versionOfModule(modulePath string) string {
	normalized := strings.ReplaceAll(modulePath, `\`, "/")
	dir := normalized[:max(strings.LastIndex(normalized, "/"), 0)]
	if dir == "" {
		return ""
	}
	version := dir[strings.LastIndex(dir, "/")+1:]
	if strings.EqualFold(version, "bin") {
		// Windows layout: ...\8.3.24.1467\bin\wsap24.dll
		parent := dir[:max(strings.LastIndex(dir, "/"), 0)]
		version = parent[strings.LastIndex(parent, "/")+1:]
	}
	return version
}

// Publish creates a new publication with the requested version's webinst.
func (a *Apache) Publish(ctx context.Context, req Request) error {
	if req.BaseName == "" || req.FolderPath == "" || req.ConnectionString == "" {
		return fmt.Errorf("%w: baseName, folderPath and connectionString are required", ErrInvalidPublicationArg)
	}
	binPath, err := a.ResolveBinPath(req.Version)
	if err != nil {
		return err
	}
	site := req.SiteName
	if site == "" {
		site = req.BaseName
	}
	if err := os.MkdirAll(req.FolderPath, 0755); err != nil {
		return fmt.Errorf("failed to create publication folder: %w", err)
	}

	args := []string{
		"-publish", "-apache24",
		"-wsdir", req.BaseName,
		"-dir", req.FolderPath,
		"-connstr", req.ConnectionString,
		"-confpath", a.siteFile(site),
	}
	res, err := a.runner.Run(ctx, filepath.Join(binPath, a.cfg.WebinstFile), "", args, a.cfg.WebinstTimeout)
	if err != nil {
		return fmt.Errorf("failed to run webinst: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("webinst exited with code %d", res.ExitCode)
	}

	slog.Info("Publication created", "site", site, "base", req.BaseName, "version", req.Version)
	return a.reload(ctx)
}

// UpdateVersion repoints a site's module at the binaries in binPath. When
// appPath is set, the site must publish it.
func (a *Apache) UpdateVersion(ctx context.Context, siteName, appPath, binPath string) error {
	if siteName == "" || binPath == "" {
		return fmt.Errorf("%w: siteName and bin path are required", ErrInvalidPublicationArg)
	}
	path := a.siteFile(siteName)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrPublicationNotFound, siteName)
		}
		return fmt.Errorf("failed to read site config: %w", err)
	}

	modulePath := filepath.Join(binPath, a.cfg.ModuleFile)
	lines := strings.Split(string(data), "\n")
	replaced, aliasFound := false, appPath == ""
	for i, line := range lines {
		if loadModuleRe.MatchString(line) {
			lines[i] = fmt.Sprintf(`LoadModule _1cws_module "%s"`, modulePath)
			replaced = true
			continue
		}
		if m := aliasRe.FindStringSubmatch(line); m != nil && strings.EqualFold(m[1], appPath) {
			aliasFound = true
		}
	}
	if !aliasFound {
		return fmt.Errorf("%w: %s%s", ErrPublicationNotFound, siteName, appPath)
	}
	if !replaced {
		lines = append([]string{fmt.Sprintf(`LoadModule _1cws_module "%s"`, modulePath)}, lines...)
	}

	if err := writeFileAtomic(path, []byte(strings.Join(lines, "\n"))); err != nil {
		return err
	}
	slog.Info("Publication version updated", "site", siteName, "app_path", appPath, "module", modulePath)
	return a.reload(ctx)
}

func (a *Apache) siteFile(site string) string {
	return filepath.Join(a.cfg.ApacheConfDir, filepath.Base(site)+".conf")
}

func (a *Apache) reload(ctx context.Context) error {
	fields := strings.Fields(a.cfg.ReloadCommand)
	if len(fields) == 0 {
		return nil
	}
	executable, err := exec.LookPath(fields[0])
	if err != nil {
		return fmt.Errorf("failed to find reload command: %w", err)
	}
	res, err := a.runner.Run(ctx, executable, "", fields[1:], a.cfg.WebinstTimeout)
	if err != nil {
		return fmt.Errorf("failed to reload web server: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("web server reload exited with code %d", res.ExitCode)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	info, err := os.Stat(path)
	mode := os.FileMode(0644)
	if err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// compareVersions orders dotted numeric versions; non-numeric parts
// compare as strings.
func compareVersions(a, b string) int {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y string
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		nx, errX := strconv.Atoi(x)
		ny, errY := strconv.Atoi(y)
		switch {
		case errX == nil && errY == nil:
			if nx != ny {
				if nx < ny {
					return -1
				}
				return 1
			}
		case x != y:
			return strings.Compare(x, y)
		}
	}
	return 0
}
