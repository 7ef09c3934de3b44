package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/scanorc/pkg/orcerrors"
	"github.com/cuemby/scanorc/pkg/types"
)

// RedisStore is the primary Store backend: job/finding/template/CVE/
// pipeline-run state lives in plain GET/SET keys, job logs are paged
// 64 KiB strings, and the named queues the scheduler polls are Redis
// lists driven with LPUSH/BRPOP.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an already-configured *redis.Client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func jobKey(id string) string          { return "job:" + id }
func findingKey(jobID, id string) string { return "finding:" + jobID + ":" + id }
func findingsIndexKey(jobID string) string { return "findings_index:" + jobID }
func templateKey(id string) string     { return "template:" + id }
func templatesIndexKey() string        { return "templates_index" }
func cveKey(id string) string          { return "cve:" + id }
func pipelineRunKey(id string) string   { return "pipelinerun:" + id }
func heartbeatKey(jobID string) string  { return "heartbeat:" + jobID }
func childrenIndexKey(parentID string) string { return "children_index:" + parentID }
func runningIndexKey() string          { return "running_index" }
func logPageKey(jobID string, page int64) string { return fmt.Sprintf("joblog:%s:%d", jobID, page) }

func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) CreateJob(job *types.Job) error { return s.UpdateJob(job) }

func (s *RedisStore) UpdateJob(job *types.Job) error {
	ctx := context.Background()
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, jobKey(job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: set job: %v", orcerrors.ErrKVUnavailable, err)
	}
	if job.ParentID != "" {
		s.rdb.SAdd(ctx, childrenIndexKey(job.ParentID), job.ID)
	}
	if job.State == types.JobStateRunning {
		s.rdb.SAdd(ctx, runningIndexKey(), job.ID)
	} else {
		s.rdb.SRem(ctx, runningIndexKey(), job.ID)
	}
	return nil
}

func (s *RedisStore) GetJob(id string) (*types.Job, error) {
	ctx := context.Background()
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: job %s", orcerrors.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get job: %v", orcerrors.ErrKVUnavailable, err)
	}
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *RedisStore) ListChildren(parentID string) ([]*types.Job, error) {
	ctx := context.Background()
	ids, err := s.rdb.SMembers(ctx, childrenIndexKey(parentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list children: %v", orcerrors.ErrKVUnavailable, err)
	}
	return s.loadJobs(ids)
}

func (s *RedisStore) ListRunning() ([]*types.Job, error) {
	ctx := context.Background()
	ids, err := s.rdb.SMembers(ctx, runningIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list running: %v", orcerrors.ErrKVUnavailable, err)
	}
	return s.loadJobs(ids)
}

func (s *RedisStore) loadJobs(ids []string) ([]*types.Job, error) {
	var out []*types.Job
	for _, id := range ids {
		job, err := s.GetJob(id)
		if errors.Is(err, orcerrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *RedisStore) DeleteJob(id string) error {
	return s.rdb.Del(context.Background(), jobKey(id)).Err()
}

// AppendLog splits chunk.Data across 64 KiB page keys so every page
// string holds at most logPageSize bytes, keeping ReadLog's
// offset/logPageSize page-index arithmetic valid even for a single
// chunk larger than one page (see BoltStore.AppendLog for why this
// matters).
func (s *RedisStore) AppendLog(jobID string, chunk types.LogChunk) error {
	ctx := context.Background()
	offset := chunk.Offset
	data := chunk.Data
	for len(data) > 0 {
		page := offset / logPageSize
		key := logPageKey(jobID, page)
		existingLen, err := s.rdb.StrLen(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: log page length: %v", orcerrors.ErrKVUnavailable, err)
		}
		room := logPageSize - existingLen
		if room <= 0 {
			offset = (page + 1) * logPageSize
			continue
		}
		n := int64(len(data))
		if n > room {
			n = room
		}
		if err := s.rdb.Append(ctx, key, string(data[:n])).Err(); err != nil {
			return fmt.Errorf("%w: append log page: %v", orcerrors.ErrKVUnavailable, err)
		}
		data = data[n:]
		offset += n
	}
	return nil
}

// ReadLog mirrors BoltStore.ReadLog's resumption-safe page walk: the
// first page read is trimmed to the bytes at or after offset, and a
// page shorter than logPageSize is always the last one written so far.
func (s *RedisStore) ReadLog(jobID string, offset int64) ([]types.LogChunk, int64, error) {
	ctx := context.Background()
	var chunks []types.LogChunk
	next := offset
	page := offset / logPageSize
	pageStart := page * logPageSize

	for {
		raw, err := s.rdb.Get(ctx, logPageKey(jobID, page)).Bytes()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return nil, next, fmt.Errorf("%w: read log: %v", orcerrors.ErrKVUnavailable, err)
		}

		skip := next - pageStart
		if skip < 0 {
			skip = 0
		} else if skip > int64(len(raw)) {
			skip = int64(len(raw))
		}
		if fresh := raw[skip:]; len(fresh) > 0 {
			chunks = append(chunks, types.LogChunk{JobID: jobID, Offset: next, Data: fresh})
			next += int64(len(fresh))
		}

		if int64(len(raw)) < logPageSize {
			break
		}
		page++
		pageStart += logPageSize
	}
	return chunks, next, nil
}

func (s *RedisStore) CreateFinding(f *types.Finding) error {
	ctx := context.Background()
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, findingKey(f.JobID, f.FindingID), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: set finding: %v", orcerrors.ErrKVUnavailable, err)
	}
	return s.rdb.SAdd(ctx, findingsIndexKey(f.JobID), f.FindingID).Err()
}

func (s *RedisStore) ListFindings(jobID string) ([]*types.Finding, error) {
	ctx := context.Background()
	ids, err := s.rdb.SMembers(ctx, findingsIndexKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list findings: %v", orcerrors.ErrKVUnavailable, err)
	}
	var out []*types.Finding
	for _, id := range ids {
		data, err := s.rdb.Get(ctx, findingKey(jobID, id)).Bytes()
		if err != nil {
			continue
		}
		var f types.Finding
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, nil
}

func (s *RedisStore) PutTemplate(t *types.Template) error {
	ctx := context.Background()
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, templateKey(t.TemplateID), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: put template: %v", orcerrors.ErrKVUnavailable, err)
	}
	return s.rdb.SAdd(ctx, templatesIndexKey(), t.TemplateID).Err()
}

func (s *RedisStore) GetTemplate(id string) (*types.Template, error) {
	ctx := context.Background()
	data, err := s.rdb.Get(ctx, templateKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: template %s", orcerrors.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get template: %v", orcerrors.ErrKVUnavailable, err)
	}
	var t types.Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *RedisStore) ListTemplates() ([]*types.Template, error) {
	ctx := context.Background()
	ids, err := s.rdb.SMembers(ctx, templatesIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list templates: %v", orcerrors.ErrKVUnavailable, err)
	}
	var out []*types.Template
	for _, id := range ids {
		t, err := s.GetTemplate(id)
		if errors.Is(err, orcerrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *RedisStore) PutCVERecord(c *types.CVERecord) error {
	ctx := context.Background()
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, cveKey(c.CVEID), data, 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("%w: put cve record: %v", orcerrors.ErrKVUnavailable, err)
	}
	return nil
}

func (s *RedisStore) GetCVERecord(id string) (*types.CVERecord, error) {
	ctx := context.Background()
	data, err := s.rdb.Get(ctx, cveKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: cve %s", orcerrors.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get cve record: %v", orcerrors.ErrKVUnavailable, err)
	}
	var c types.CVERecord
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *RedisStore) PutPipelineRun(p *types.PipelineRun) error {
	ctx := context.Background()
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, pipelineRunKey(p.RunID), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: put pipeline run: %v", orcerrors.ErrKVUnavailable, err)
	}
	return nil
}

func (s *RedisStore) GetPipelineRun(id string) (*types.PipelineRun, error) {
	ctx := context.Background()
	data, err := s.rdb.Get(ctx, pipelineRunKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: pipeline run %s", orcerrors.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get pipeline run: %v", orcerrors.ErrKVUnavailable, err)
	}
	var p types.PipelineRun
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *RedisStore) Incr(key string) (int64, error) {
	n, err := s.rdb.Incr(context.Background(), "metrics:"+key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: incr: %v", orcerrors.ErrKVUnavailable, err)
	}
	return n, nil
}

func (s *RedisStore) SetHeartbeat(jobID string, ttl time.Duration) error {
	return s.rdb.Set(context.Background(), heartbeatKey(jobID), 1, ttl).Err()
}

func (s *RedisStore) HeartbeatExpired(jobID string) (bool, error) {
	n, err := s.rdb.Exists(context.Background(), heartbeatKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: check heartbeat: %v", orcerrors.ErrKVUnavailable, err)
	}
	return n == 0, nil
}

func (s *RedisStore) Push(queue string, payload []byte) error {
	err := s.rdb.LPush(context.Background(), "queue:"+queue, payload).Err()
	if err != nil {
		return fmt.Errorf("%w: lpush: %v", orcerrors.ErrKVUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	res, err := s.rdb.BRPop(ctx, timeout, "queue:"+queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, orcerrors.ErrTimeout
	}
	if err != nil {
		return nil, fmt.Errorf("%w: brpop: %v", orcerrors.ErrKVUnavailable, err)
	}
	// BRPop returns [key, value].
	return []byte(res[1]), nil
}

func (s *RedisStore) QueueLen(queue string) (int64, error) {
	n, err := s.rdb.LLen(context.Background(), "queue:"+queue).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: llen: %v", orcerrors.ErrKVUnavailable, err)
	}
	return n, nil
}
