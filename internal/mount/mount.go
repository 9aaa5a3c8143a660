package mount

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Options are the FUSE mount options applied when a Manager mounts.
type Options struct {
	ReadOnly     bool
	AllowOther   bool
	Debug        bool
	FSName       string
	AttrTimeout  time.Duration
	EntryTimeout time.Duration
}

func (o *Options) withDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.FSName == "" {
		o.FSName = "meshvault"
	}
	if o.AttrTimeout == 0 {
		o.AttrTimeout = time.Second
	}
	if o.EntryTimeout == 0 {
		o.EntryTimeout = time.Second
	}
	o.ReadOnly = true // the projection has no write path yet
	return o
}

// Manager mounts a FileSystem at a directory and tracks its lifecycle.
type Manager struct {
	fsys       *FileSystem
	mountPoint string
	opts       *Options
	server     *fuse.Server
}

// NewManager builds a Manager for fsys. opts may be nil for defaults.
func NewManager(fsys *FileSystem, mountPoint string, opts *Options) *Manager {
	return &Manager{fsys: fsys, mountPoint: mountPoint, opts: opts.withDefaults()}
}

// Mount mounts the filesystem and returns once the kernel has accepted it.
// The server keeps serving requests on a background goroutine.
func (m *Manager) Mount() error {
	if m.server != nil {
		return fmt.Errorf("mount: %s is already mounted", m.mountPoint)
	}
	if err := m.validateMountPoint(); err != nil {
		return err
	}

	server, err := fs.Mount(m.mountPoint, m.fsys.Root(), &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName:     m.opts.FSName,
			Name:       m.opts.FSName,
			Debug:      m.opts.Debug,
			AllowOther: m.opts.AllowOther,
		},
		AttrTimeout:  &m.opts.AttrTimeout,
		EntryTimeout: &m.opts.EntryTimeout,
	})
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	m.server = server
	log.Printf("mount: meshvault mounted at %s", m.mountPoint)

	go func() {
		server.Wait()
		log.Printf("mount: %s unmounted", m.mountPoint)
	}()

	return nil
}

// Unmount tears down the mount. It is a no-op if not mounted.
func (m *Manager) Unmount() error {
	if m.server == nil {
		return nil
	}
	if err := m.server.Unmount(); err != nil {
		return fmt.Errorf("mount: unmount %s: %w", m.mountPoint, err)
	}
	m.server = nil
	return nil
}

// Wait blocks until the mount is torn down, either by Unmount or externally.
func (m *Manager) Wait() {
	if m.server != nil {
		m.server.Wait()
	}
}

// IsMounted reports whether Mount has succeeded and Unmount has not yet run.
func (m *Manager) IsMounted() bool {
	return m.server != nil
}

func (m *Manager) validateMountPoint() error {
	info, err := os.Stat(m.mountPoint)
	if err != nil {
		return fmt.Errorf("mount: mount point %s: %w", m.mountPoint, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount: mount point %s is not a directory", m.mountPoint)
	}
	entries, err := os.ReadDir(m.mountPoint)
	if err != nil {
		return fmt.Errorf("mount: reading mount point %s: %w", m.mountPoint, err)
	}
	if len(entries) > 0 {
		log.Printf("mount: warning: mount point %s is not empty", m.mountPoint)
	}
	return nil
}
