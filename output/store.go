// Package output owns the server's data directory: captured driver logs
// under logs/ and harvested result artifacts under results/<job-id>/. Both
// namespaces are keyed by id, so concurrent dispatchers never share a file.
// Terminal jobs' output is immutable and read through a groupcache group;
// running jobs read straight from disk.
package output

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/twitter/groupcache"

	"github.com/benchd/benchd/bench"
	"github.com/benchd/benchd/common/stats"
)

// Groupcache groups register into a process-global namespace; a per-store
// suffix keeps stores in the same test binary from colliding.
var groupSeq uint64

type Store struct {
	root  string
	stat  stats.StatsReceiver
	cache *groupcache.Group
}

// New roots a store at dir, creating it as needed. cacheBytes bounds the
// in-memory cache over terminal job output; 0 disables caching.
func New(dir string, cacheBytes int64, stat stats.StatsReceiver) (*Store, error) {
	for _, sub := range []string{"logs", "results"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), os.ModePerm); err != nil {
			return nil, errors.Wrapf(err, "creating data directory %s", dir)
		}
	}
	s := &Store{root: dir, stat: stat.Scope("outputStore")}

	if cacheBytes > 0 {
		name := fmt.Sprintf("benchd-output-%d", atomic.AddUint64(&groupSeq, 1))
		s.cache = groupcache.NewGroup(
			name,
			cacheBytes,
			groupcache.GetterFunc(func(ctx groupcache.Context, key string, dest groupcache.Sink) (*time.Time, error) {
				log.Debugf("Output not cached, reading %s", key)
				s.stat.Counter("cacheReadUnderlyingCounter").Inc(1)
				defer s.stat.Latency("cacheReadUnderlyingLatency_ms").Time().Stop()

				data, err := os.ReadFile(filepath.Join(s.root, "logs", key))
				if err != nil {
					return nil, err
				}
				return nil, dest.SetBytes(data)
			}),
			groupcache.ContainerFunc(func(ctx groupcache.Context, key string) (bool, error) {
				_, err := os.Stat(filepath.Join(s.root, "logs", key))
				if os.IsNotExist(err) {
					return false, nil
				}
				return err == nil, err
			}),
			groupcache.PutterFunc(func(ctx groupcache.Context, key string, data []byte, ttl *time.Time) error {
				return os.WriteFile(filepath.Join(s.root, "logs", key), data, 0644)
			}),
		)
		log.Infof("Output store at %s caching terminal output, %d bytes", dir, cacheBytes)
	} else {
		log.Infof("Output store at %s, caching disabled", dir)
	}
	return s, nil
}

// Root returns the data directory.
func (s *Store) Root() string {
	return s.root
}

func jobLogName(jid bench.JobID) string {
	return fmt.Sprintf("job-%v.log", jid)
}

func setupLogName(sid bench.SetupID, step int) string {
	return fmt.Sprintf("setup-%v-%d.log", sid, step)
}

// JobLogWriter opens the captured-output file for a job, truncating any
// leftover from an interrupted earlier run of the same job.
func (s *Store) JobLogWriter(jid bench.JobID) (io.WriteCloser, error) {
	return s.logWriter(jobLogName(jid))
}

// SetupLogWriter opens the captured-output file for one setup step.
func (s *Store) SetupLogWriter(sid bench.SetupID, step int) (io.WriteCloser, error) {
	return s.logWriter(setupLogName(sid, step))
}

func (s *Store) logWriter(name string) (io.WriteCloser, error) {
	path := filepath.Join(s.root, "logs", name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening log %s", path)
	}
	return f, nil
}

// ReadJobOutput returns everything the driver wrote. Terminal output is
// immutable and served through the cache when one is configured.
func (s *Store) ReadJobOutput(jid bench.JobID, terminal bool) ([]byte, error) {
	return s.readLog(jobLogName(jid), terminal)
}

// ReadSetupOutput returns the captured output of one setup step.
func (s *Store) ReadSetupOutput(sid bench.SetupID, step int) ([]byte, error) {
	return s.readLog(setupLogName(sid, step), false)
}

func (s *Store) readLog(name string, cacheable bool) ([]byte, error) {
	if cacheable && s.cache != nil {
		s.stat.Counter("cacheReadCounter").Inc(1)
		defer s.stat.Latency("cacheReadLatency_ms").Time().Stop()
		var data []byte
		if _, err := s.cache.Get(nil, name, groupcache.AllocatingByteSliceSink(&data)); err != nil {
			return nil, err
		}
		return data, nil
	}
	data, err := os.ReadFile(filepath.Join(s.root, "logs", name))
	if err != nil {
		return nil, errors.Wrapf(err, "reading log %s", name)
	}
	return data, nil
}

// ResultPath names the local copy of one announced artifact. The directory
// is derived from the job id alone, so repeated runs of different jobs never
// collide.
func (s *Store) ResultPath(jid bench.JobID, base string) string {
	return filepath.Join(s.root, "results", jid.String(), base)
}

// ExportPath names the extra copy in a job's requested results directory.
// The job id keeps exports from different jobs of one sweep apart.
func (s *Store) ExportPath(dir string, jid bench.JobID, base string) string {
	return filepath.Join(dir, fmt.Sprintf("job-%v-%s", jid, base))
}

// CopyLocal duplicates an already-harvested artifact to another local path.
func (s *Store) CopyLocal(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "opening %s", src)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), os.ModePerm); err != nil {
		return errors.Wrapf(err, "creating directory for %s", dst)
	}
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "creating %s", dst)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrapf(err, "copying %s", src)
	}
	return nil
}

// RemoveJob drops the captured log and local artifacts of a deleted job.
// Exported copies in the job's own results dir are left alone.
func (s *Store) RemoveJob(jid bench.JobID) error {
	logPath := filepath.Join(s.root, "logs", jobLogName(jid))
	if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing log of job %v", jid)
	}
	if err := os.RemoveAll(filepath.Join(s.root, "results", jid.String())); err != nil {
		return errors.Wrapf(err, "removing results of job %v", jid)
	}
	return nil
}
