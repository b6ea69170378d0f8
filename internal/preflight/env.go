package preflight

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/adrg/xdg"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/process"

	"capline/internal/domain"
)

type RunningApp struct {
	Name string
	Path string
}

// Environment is the read-only view of the host the checks consult.
type Environment interface {
	PathExists(path string) bool
	IsExecutable(path string) bool
	RunningApps(ctx context.Context) ([]RunningApp, error)
	AppInstalled(ctx context.Context, name string) bool
	OSVersion(ctx context.Context) (string, error)
	PermissionGranted(ctx context.Context, p domain.Permission) bool
}

// Host inspects the local machine through gopsutil and the filesystem.
type Host struct {
	AppDirs []string
}

func NewHost(appDirs []string) *Host {
	if len(appDirs) == 0 {
		appDirs = DefaultAppDirs()
	}
	return &Host{AppDirs: appDirs}
}

func DefaultAppDirs() []string {
	switch runtime.GOOS {
	case "darwin":
		dirs := []string{"/Applications", "/System/Applications", "/Applications/Utilities"}
		if home, err := os.UserHomeDir(); err == nil {
			dirs = append(dirs, filepath.Join(home, "Applications"))
		}
		return dirs
	default:
		return append([]string(nil), xdg.ApplicationDirs...)
	}
}

func (h *Host) PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (h *Host) IsExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

func (h *Host) RunningApps(ctx context.Context) ([]RunningApp, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	apps := make([]RunningApp, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		exe, _ := p.ExeWithContext(ctx)
		apps = append(apps, RunningApp{Name: name, Path: exe})
	}
	return apps, nil
}

func (h *Host) AppInstalled(_ context.Context, name string) bool {
	if name == "" {
		return false
	}
	for _, dir := range h.AppDirs {
		for _, candidate := range []string{name + ".app", name + ".desktop", strings.ToLower(name) + ".desktop", name} {
			if h.PathExists(filepath.Join(dir, candidate)) {
				return true
			}
		}
	}
	_, err := exec.LookPath(name)
	return err == nil
}

func (h *Host) OSVersion(ctx context.Context) (string, error) {
	_, _, version, err := host.PlatformInformationWithContext(ctx)
	if err == nil && version != "" {
		return version, nil
	}
	return host.KernelVersionWithContext(ctx)
}

// PermissionGranted covers the optional access kinds. Only macOS gates them.
func (h *Host) PermissionGranted(_ context.Context, p domain.Permission) bool {
	if runtime.GOOS != "darwin" {
		return true
	}
	switch p.Kind {
	case domain.PermissionBroadAccess:
		home, err := os.UserHomeDir()
		if err != nil {
			return false
		}
		f, err := os.Open(filepath.Join(home, "Library", "Application Support", "com.apple.TCC", "TCC.db"))
		if err != nil {
			return false
		}
		f.Close()
		return true
	case domain.PermissionAssistiveAccess:
		// no side-effect-free probe exists
		return false
	default:
		return true
	}
}

// matchesApp reports whether a running app matches by display name or identifier substring.
func matchesApp(app RunningApp, want string) bool {
	w := strings.ToLower(strings.TrimSpace(want))
	if w == "" {
		return false
	}
	name := strings.ToLower(app.Name)
	path := strings.ToLower(app.Path)
	if name == w || strings.Contains(path, "/"+w+".app/") || strings.Contains(name, w) {
		return true
	}
	if strings.Contains(w, ".") && !strings.Contains(w, " ") {
		parts := strings.Split(w, ".")
		last := parts[len(parts)-1]
		return last != "" && (name == last || strings.Contains(path, "/"+last+".app/"))
	}
	return false
}
