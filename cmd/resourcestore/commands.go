package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/bleepstore/resourcestore/internal/checksum"
	"github.com/bleepstore/resourcestore/internal/resource"
	"github.com/bleepstore/resourcestore/internal/server"
	"github.com/bleepstore/resourcestore/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func newFlagSet(name string, a *app) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func cmdPut(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("put", a)
	withMD5 := fs.Bool("md5", false, "also store the hex MD5 as <key>.md5")
	pos, err := parseArgs("put", fs, args, 3, 3)
	if err != nil {
		return err
	}
	bucket, key, path := pos[0], pos[1], pos[2]

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	b, err := a.openBackend(ctx)
	if err != nil {
		f.Close()
		return err
	}
	defer b.Close()

	if err := b.CreateBucket(ctx, bucket); err != nil {
		f.Close()
		return err
	}
	opts := storage.PutOptions{Size: info.Size()}
	if *withMD5 {
		digest, err := storage.PutWithDigest(ctx, b, bucket, key, f, opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "%s/%s %d bytes md5=%s\n", bucket, key, info.Size(), digest)
		return nil
	}
	res, err := b.PutObject(ctx, bucket, key, f, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s/%s %d bytes\n", bucket, key, res.Size)
	return nil
}

func cmdGet(ctx context.Context, a *app, args []string) error {
	pos, err := parseArgs("get", newFlagSet("get", a), args, 2, 3)
	if err != nil {
		return err
	}
	b, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	rc, _, err := b.GetObject(ctx, pos[0], pos[1])
	if err != nil {
		return err
	}
	defer rc.Close()

	if len(pos) == 2 {
		_, err = io.Copy(a.stdout, rc)
		return err
	}
	out, err := os.Create(pos[2])
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func cmdCat(ctx context.Context, a *app, args []string) error {
	pos, err := parseArgs("cat", newFlagSet("cat", a), args, 2, 2)
	if err != nil {
		return err
	}
	b, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	text, err := storage.GetString(ctx, b, pos[0], pos[1])
	if err != nil {
		return err
	}
	_, err = io.WriteString(a.stdout, text)
	return err
}

func cmdList(ctx context.Context, a *app, args []string) error {
	pos, err := parseArgs("ls", newFlagSet("ls", a), args, 1, 2)
	if err != nil {
		return err
	}
	prefix := ""
	if len(pos) == 2 {
		prefix = pos[1]
	}
	b, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	objs, err := b.ListObjects(ctx, pos[0], prefix)
	if err != nil {
		return err
	}
	for _, o := range objs {
		fmt.Fprintf(a.stdout, "%s\t%d\t%s\n", o.Key, o.Size, o.LastModified.UTC().Format(time.RFC3339))
	}
	return nil
}

func cmdCopy(ctx context.Context, a *app, args []string) error {
	pos, err := parseArgs("cp", newFlagSet("cp", a), args, 4, 4)
	if err != nil {
		return err
	}
	b, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.CreateBucket(ctx, pos[2]); err != nil {
		return err
	}
	_, err = b.CopyObject(ctx, pos[0], pos[1], pos[2], pos[3])
	return err
}

func cmdRemove(ctx context.Context, a *app, args []string) error {
	pos, err := parseArgs("rm", newFlagSet("rm", a), args, 2, 2)
	if err != nil {
		return err
	}
	b, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()
	return b.DeleteObject(ctx, pos[0], pos[1])
}

func cmdRemoveTree(ctx context.Context, a *app, args []string) error {
	pos, err := parseArgs("rm-tree", newFlagSet("rm-tree", a), args, 2, 2)
	if err != nil {
		return err
	}
	b, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	n, err := b.DeleteSubtree(ctx, pos[0], pos[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "deleted %d objects\n", n)
	return nil
}

func cmdExists(ctx context.Context, a *app, args []string) error {
	pos, err := parseArgs("exists", newFlagSet("exists", a), args, 2, 2)
	if err != nil {
		return err
	}
	b, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	ok, err := b.ObjectExists(ctx, pos[0], pos[1])
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, strconv.FormatBool(ok))
	return nil
}

func cmdDigest(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("digest", a)
	sidecar := fs.Bool("sidecar", false, "write the digest to <file>.md5")
	pos, err := parseArgs("digest", fs, args, 1, 1)
	if err != nil {
		return err
	}
	digest, err := checksum.DigestFile(pos[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s  %s\n", digest, pos[0])
	if *sidecar {
		path, err := checksum.WriteDigestSidecar(pos[0], digest)
		if err != nil {
			return err
		}
		slog.Info("Wrote digest sidecar", "path", path)
	}
	return nil
}

func cmdVerify(ctx context.Context, a *app, args []string) error {
	pos, err := parseArgs("verify", newFlagSet("verify", a), args, 1, 1)
	if err != nil {
		return err
	}
	ok, err := checksum.VerifySidecar(pos[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: digest does not match %s", pos[0], checksum.SidecarPath(pos[0]))
	}
	fmt.Fprintf(a.stdout, "%s: OK\n", pos[0])
	return nil
}

func cmdInspect(ctx context.Context, a *app, args []string) error {
	pos, err := parseArgs("inspect", newFlagSet("inspect", a), args, 1, 1)
	if err != nil {
		return err
	}
	f, err := os.Open(pos[0])
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	entries, err := checksum.InspectArchiveAt(filepath.Base(pos[0]), f, info.Size(), checksum.MaxArchiveEntries)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(a.stdout, "%s\t%s\n", k, entries[k])
	}
	return nil
}

// openResources builds the resource manager. The storage backend is only
// opened in cloud mode.
func (a *app) openResources(ctx context.Context) (*resource.Manager, storage.Backend, error) {
	var b storage.Backend
	if a.cfg.Resources.UseCloud {
		var err error
		if b, err = a.openBackend(ctx); err != nil {
			return nil, nil, err
		}
	}
	m, err := resource.New(ctx, a.cfg.Resources, b)
	if err != nil {
		if b != nil {
			b.Close()
		}
		return nil, nil, err
	}
	return m, b, nil
}

func cmdResourceCat(ctx context.Context, a *app, args []string) error {
	pos, err := parseArgs("res-cat", newFlagSet("res-cat", a), args, 1, 1)
	if err != nil {
		return err
	}
	m, _, err := a.openResources(ctx)
	if err != nil {
		return err
	}
	defer m.Close()

	rc, err := m.ReadStream(ctx, pos[0])
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(a.stdout, rc)
	return err
}

func cmdResourcePut(ctx context.Context, a *app, args []string) error {
	pos, err := parseArgs("res-put", newFlagSet("res-put", a), args, 2, 2)
	if err != nil {
		return err
	}
	m, _, err := a.openResources(ctx)
	if err != nil {
		return err
	}
	defer m.Close()

	f, err := os.Open(pos[1])
	if err != nil {
		return err
	}
	if err := m.WriteStream(ctx, pos[0], f); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "wrote %s\n", m.FullPath(pos[0]))
	return nil
}

func cmdServe(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("serve", a)
	host := fs.String("host", "", "override listening host (default: from config)")
	port := fs.Int("port", 0, "override listening port (default: from config)")
	if _, err := parseArgs("serve", fs, args, 0, 0); err != nil {
		return err
	}
	if *host != "" {
		a.cfg.Server.Host = *host
	}
	if *port != 0 {
		a.cfg.Server.Port = *port
	}

	b, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	var m *resource.Manager
	if a.cfg.Resources.UseCloud {
		m, err = resource.New(ctx, a.cfg.Resources, b)
	} else {
		m, err = resource.New(ctx, a.cfg.Resources, nil)
	}
	if err != nil {
		return err
	}

	srv, err := server.New(a.cfg, b, m)
	if err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("resourcestore listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

func cmdReset(ctx context.Context, a *app, args []string) error {
	if _, err := parseArgs("reset", newFlagSet("reset", a), args, 0, 0); err != nil {
		return err
	}
	b, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	if inst, ok := b.(*storage.InstrumentedBackend); ok {
		b = inst.Unwrap()
	}
	local, ok := b.(*storage.EmulatedBackend)
	if !ok {
		return fmt.Errorf("reset is only supported for the local backend, not %q", a.cfg.Storage.Backend)
	}
	if err := local.Reset(); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "reset %s\n", local.RootDir())
	return nil
}
