package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/scanorc/pkg/orcerrors"
	"github.com/cuemby/scanorc/pkg/types"
)

var (
	bucketJobs         = []byte("jobs")
	bucketFindings     = []byte("findings")
	bucketTemplates    = []byte("templates")
	bucketCVERecords   = []byte("cve_records")
	bucketPipelineRuns = []byte("pipeline_runs")
	bucketCounters     = []byte("counters")
	bucketHeartbeats   = []byte("heartbeats")
	bucketLogPages     = []byte("log_pages")
	bucketQueuesPrefix = "queue_"
)

// logPageSize is the byte budget per joblog page before a new page starts.
const logPageSize = 64 * 1024

// BoltStore is the local/offline Store implementation, for single-process
// dev and test runs without Redis. Adapted from a JSON-per-bucket BoltDB
// store: the bucket set is now job/finding/template/CVE/pipeline-shaped
// instead of cluster-topology-shaped, and queues are emulated as an
// ordered bucket of sequence-keyed entries since BoltDB has no native
// list type.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "scanorc.db")

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketJobs, bucketFindings, bucketTemplates, bucketCVERecords,
			bucketPipelineRuns, bucketCounters, bucketHeartbeats, bucketLogPages,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) CreateJob(job *types.Job) error { return s.putJSON(bucketJobs, job.ID, job) }
func (s *BoltStore) UpdateJob(job *types.Job) error { return s.putJSON(bucketJobs, job.ID, job) }

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	if err := s.getJSON(bucketJobs, id, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListChildren(parentID string) ([]*types.Job, error) {
	var children []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.ParentID == parentID {
				children = append(children, &job)
			}
			return nil
		})
	})
	return children, err
}

func (s *BoltStore) ListRunning() ([]*types.Job, error) {
	var running []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.State == types.JobStateRunning {
				running = append(running, &job)
			}
			return nil
		})
	})
	return running, err
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}

// AppendLog splits chunk.Data across 64 KiB page buckets so that every
// page holds at most logPageSize bytes. Without this, a single chunk
// larger than logPageSize (containerd can hand back arbitrarily large
// reads) would land entirely in one bucket keyed by its starting
// offset, desynchronizing ReadLog's offset/logPageSize page-index math
// from where data actually lives and causing it to re-read the same
// page forever.
func (s *BoltStore) AppendLog(jobID string, chunk types.LogChunk) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogPages)
		offset := chunk.Offset
		data := chunk.Data
		for len(data) > 0 {
			page := offset / logPageSize
			key := fmt.Sprintf("%s:%d", jobID, page)
			existing := b.Get([]byte(key))
			room := logPageSize - int64(len(existing))
			if room <= 0 {
				offset = (page + 1) * logPageSize
				continue
			}
			n := int64(len(data))
			if n > room {
				n = room
			}
			merged := append(append([]byte{}, existing...), data[:n]...)
			if err := b.Put([]byte(key), merged); err != nil {
				return err
			}
			data = data[n:]
			offset += n
		}
		return nil
	})
}

// ReadLog walks page buckets starting from offset's page, trimming
// already-delivered bytes off the first page it reads so that resuming
// from a non-page-aligned offset (the common case — callers resume from
// whatever "next" a previous ReadLog returned, not from a page boundary)
// never re-delivers bytes already seen. A page with fewer than
// logPageSize bytes is, by construction (see AppendLog), never followed
// by a later page, so it is always the last page of this read.
func (s *BoltStore) ReadLog(jobID string, offset int64) ([]types.LogChunk, int64, error) {
	var chunks []types.LogChunk
	next := offset

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogPages)
		page := offset / logPageSize
		pageStart := page * logPageSize
		for {
			key := fmt.Sprintf("%s:%d", jobID, page)
			raw := b.Get([]byte(key))
			if raw == nil {
				break
			}

			skip := next - pageStart
			if skip < 0 {
				skip = 0
			} else if skip > int64(len(raw)) {
				skip = int64(len(raw))
			}
			if fresh := raw[skip:]; len(fresh) > 0 {
				chunks = append(chunks, types.LogChunk{JobID: jobID, Offset: next, Data: append([]byte{}, fresh...)})
				next += int64(len(fresh))
			}

			if int64(len(raw)) < logPageSize {
				break
			}
			page++
			pageStart += logPageSize
		}
		return nil
	})
	return chunks, next, err
}

func (s *BoltStore) CreateFinding(f *types.Finding) error {
	return s.putJSON(bucketFindings, f.JobID+":"+f.FindingID, f)
}

func (s *BoltStore) ListFindings(jobID string) ([]*types.Finding, error) {
	var findings []*types.Finding
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFindings).ForEach(func(k, v []byte) error {
			var f types.Finding
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			if f.JobID == jobID {
				findings = append(findings, &f)
			}
			return nil
		})
	})
	return findings, err
}

func (s *BoltStore) PutTemplate(t *types.Template) error {
	return s.putJSON(bucketTemplates, t.TemplateID, t)
}

func (s *BoltStore) GetTemplate(id string) (*types.Template, error) {
	var t types.Template
	if err := s.getJSON(bucketTemplates, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) ListTemplates() ([]*types.Template, error) {
	var out []*types.Template
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(_, v []byte) error {
			var t types.Template
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, &t)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) PutCVERecord(c *types.CVERecord) error {
	return s.putJSON(bucketCVERecords, c.CVEID, c)
}

func (s *BoltStore) GetCVERecord(id string) (*types.CVERecord, error) {
	var c types.CVERecord
	if err := s.getJSON(bucketCVERecords, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) PutPipelineRun(p *types.PipelineRun) error {
	return s.putJSON(bucketPipelineRuns, p.RunID, p)
}

func (s *BoltStore) GetPipelineRun(id string) (*types.PipelineRun, error) {
	var p types.PipelineRun
	if err := s.getJSON(bucketPipelineRuns, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) Incr(key string) (int64, error) {
	var val int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		data := b.Get([]byte(key))
		if data != nil {
			val = int64FromBytes(data)
		}
		val++
		return b.Put([]byte(key), int64ToBytes(val))
	})
	return val, err
}

func (s *BoltStore) SetHeartbeat(jobID string, ttl time.Duration) error {
	deadline := time.Now().Add(ttl)
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := deadline.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketHeartbeats).Put([]byte(jobID), data)
	})
}

func (s *BoltStore) HeartbeatExpired(jobID string) (bool, error) {
	var expired bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHeartbeats).Get([]byte(jobID))
		if data == nil {
			expired = true
			return nil
		}
		var deadline time.Time
		if err := deadline.UnmarshalBinary(data); err != nil {
			return err
		}
		expired = time.Now().After(deadline)
		return nil
	})
	return expired, err
}

// Push appends payload as the newest entry in queue's FIFO bucket, keyed
// by a monotonically increasing sequence number so ForEach order matches
// insertion order.
func (s *BoltStore) Push(queue string, payload []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucketQueuesPrefix + queue))
		if err != nil {
			return err
		}
		seq, _ := b.NextSequence()
		return b.Put(itob(seq), payload)
	})
}

// Pop polls the queue bucket for its oldest entry until timeout elapses or
// ctx is cancelled, emulating a blocking pop over BoltDB's synchronous API.
func (s *BoltStore) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		payload, err := s.tryPop(queue)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			return payload, nil
		}

		if timeout > 0 && time.Now().After(deadline) {
			return nil, orcerrors.ErrTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *BoltStore) tryPop(queue string) ([]byte, error) {
	var payload []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucketQueuesPrefix + queue))
		if err != nil {
			return err
		}
		c := b.Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		payload = append([]byte{}, v...)
		return b.Delete(k)
	})
	return payload, err
}

func (s *BoltStore) QueueLen(queue string) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketQueuesPrefix + queue))
		if b == nil {
			return nil
		}
		n = int64(b.Stats().KeyN)
		return nil
	})
	return n, err
}

func (s *BoltStore) putJSON(bucket []byte, key string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) getJSON(bucket []byte, key string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s", orcerrors.ErrNotFound, key)
		}
		return json.Unmarshal(data, v)
	})
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func int64ToBytes(v int64) []byte { return itob(uint64(v)) }

func int64FromBytes(b []byte) int64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return int64(v)
}
