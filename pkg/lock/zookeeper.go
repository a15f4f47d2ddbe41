package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZooKeeper serializes compactions across processes with the zk lock recipe.
type ZooKeeper struct {
	conn     *zk.Conn
	rootPath string
	log      *slog.Logger
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZooKeeper(servers []string, rootPath string, sessionTimeout time.Duration, log *slog.Logger) (*ZooKeeper, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	z := &ZooKeeper{
		conn:     conn,
		rootPath: strings.TrimRight(rootPath, "/"),
		log:      log,
	}
	// ждём, пока клиент реально подключится к ZK
	if err := z.waitConnected(10 * time.Second); err != nil {
		conn.Close()
		return nil, err
	}
	if err := z.ensurePath(z.rootPath + "/locks"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure locks path: %w", err)
	}
	return z, nil
}

func (z *ZooKeeper) Close() error {
	z.conn.Close()
	return nil
}

// NodePath returns the lock node for key. Keys are path escaped into one znode name.
func (z *ZooKeeper) NodePath(key string) string {
	return z.rootPath + "/locks/" + url.PathEscape(key)
}

func (z *ZooKeeper) Lock(ctx context.Context, key string) (func(), error) {
	l := zk.NewLock(z.conn, z.NodePath(key), zk.WorldACL(zk.PermAll))

	done := make(chan error, 1)
	go func() { done <- l.Lock() }()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("zk lock %s: %w", key, err)
		}
	case <-ctx.Done():
		// the recipe cannot be cancelled, release as soon as it is granted
		go func() {
			if err := <-done; err == nil {
				_ = l.Unlock()
			}
		}()
		return nil, ctx.Err()
	}

	z.log.Debug("zk lock acquired", "key", key)
	return func() {
		if err := l.Unlock(); err != nil && !errors.Is(err, zk.ErrNotLocked) {
			z.log.Warn("zk unlock failed", "key", key, "error", err)
		}
	}, nil
}

func (z *ZooKeeper) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := z.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = z.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

func (z *ZooKeeper) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := z.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
