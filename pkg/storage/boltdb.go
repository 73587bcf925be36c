package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/yitercel/taskflow/pkg/graph"
	"github.com/yitercel/taskflow/pkg/taskerr"
	"github.com/yitercel/taskflow/pkg/types"
)

var (
	// Bucket names
	bucketTasks   = []byte("tasks")
	bucketLLMKeys = []byte("llm_keys")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "flowd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketLLMKeys} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
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

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CreateTasks persists a submission in one transaction. Submission
// order comes from the bucket sequence, so creation order is global and
// stable.
func (s *BoltStore) CreateTasks(tasks []*types.Task) ([]*types.Task, error) {
	now := time.Now().UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		for _, t := range tasks {
			if b.Get([]byte(t.ID)) != nil {
				return taskerr.New(taskerr.CodeConflict, "task id already exists").WithTask(t.ID)
			}
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			t.SubmissionOrder = int64(seq)
			t.CreatedAt = now
			t.UpdatedAt = now
			if t.Status == "" {
				t.Status = types.TaskStatusPending
			}
			if err := putTask(b, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask retrieves a task by id
func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		task, err = getTask(tx.Bucket(bucketTasks), id)
		return err
	})
	return task, err
}

// ListTasks returns tasks matching the filter, newest first.
func (s *BoltStore) ListTasks(filter types.TaskFilter) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if filter.UserID != "" && t.UserID != filter.UserID {
				return nil
			}
			if filter.Status != "" && t.Status != filter.Status {
				return nil
			}
			tasks = append(tasks, &t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].SubmissionOrder > tasks[j].SubmissionOrder
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(tasks) {
			return nil, nil
		}
		tasks = tasks[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(tasks) {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

// GetRoot walks parent edges from id to the tree root.
func (s *BoltStore) GetRoot(id string) (*types.Task, error) {
	var root *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		cur, err := getTask(b, id)
		if err != nil {
			return err
		}
		for cur.ParentID != "" {
			next, err := getTask(b, cur.ParentID)
			if err != nil {
				return fmt.Errorf("broken parent chain at %s: %w", cur.ID, err)
			}
			cur = next
		}
		root = cur
		return nil
	})
	return root, err
}

// BuildSubtree returns id's task with descendants materialised. The
// whole read happens inside one View transaction, so the snapshot is
// consistent.
func (s *BoltStore) BuildSubtree(id string) (*types.TaskNode, error) {
	var node *types.TaskNode
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		root, err := getTask(b, id)
		if err != nil {
			return err
		}
		all, err := loadAll(b)
		if err != nil {
			return err
		}
		idx := graph.Build(all)
		node = buildNode(idx, root.ID)
		return nil
	})
	return node, err
}

func buildNode(idx *graph.Indexes, id string) *types.TaskNode {
	n := &types.TaskNode{Task: idx.Tasks[id]}
	for _, child := range idx.ChildrenOf[id] {
		n.Children = append(n.Children, buildNode(idx, child))
	}
	return n
}

// GetTree returns every task of the tree containing id.
func (s *BoltStore) GetTree(id string) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		all, err := loadAll(b)
		if err != nil {
			return err
		}
		idx := graph.Build(all)
		if _, ok := idx.Tasks[id]; !ok {
			return taskerr.NotFound(id)
		}
		tasks = treeTasks(idx, id)
		return nil
	})
	return tasks, err
}

// treeTasks collects the root plus all descendants for the tree that
// contains id, in submission order.
func treeTasks(idx *graph.Indexes, id string) []*types.Task {
	root := idx.Root(id)
	out := []*types.Task{root}
	for _, d := range idx.Descendants(root.ID) {
		out = append(out, idx.Tasks[d])
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmissionOrder < out[j].SubmissionOrder
	})
	return out
}

// GetAllDescendants returns the transitive children of id.
func (s *BoltStore) GetAllDescendants(id string) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if _, err := getTask(b, id); err != nil {
			return err
		}
		all, err := loadAll(b)
		if err != nil {
			return err
		}
		idx := graph.Build(all)
		for _, d := range idx.Descendants(id) {
			tasks = append(tasks, idx.Tasks[d])
		}
		return nil
	})
	return tasks, err
}

// FindDependents returns tasks of the same tree that depend on id.
func (s *BoltStore) FindDependents(id string) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if _, err := getTask(b, id); err != nil {
			return err
		}
		all, err := loadAll(b)
		if err != nil {
			return err
		}
		idx := graph.Build(all)
		for _, t := range treeTasks(idx, id) {
			if t.DependsOn(id) {
				tasks = append(tasks, t)
			}
		}
		return nil
	})
	return tasks, err
}

// TransitiveDependents returns the iterative closure of tasks that
// depend on any of ids.
func (s *BoltStore) TransitiveDependents(ids []string) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		all, err := loadAll(b)
		if err != nil {
			return err
		}
		idx := graph.Build(all)
		closure := idx.TransitiveDependents(ids)
		for id := range closure {
			tasks = append(tasks, idx.Tasks[id])
		}
		sort.Slice(tasks, func(i, j int) bool {
			return tasks[i].SubmissionOrder < tasks[j].SubmissionOrder
		})
		return nil
	})
	return tasks, err
}

// UpdateTask applies a partial update atomically. The model invariants
// are re-checked inside the write transaction, and updated_at acts as
// the optimistic concurrency token.
func (s *BoltStore) UpdateTask(id string, delta *types.TaskDelta) (*types.Task, error) {
	var updated *types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		task, err := getTask(b, id)
		if err != nil {
			return err
		}

		if delta.ExpectedUpdatedAt != nil && !delta.ExpectedUpdatedAt.Equal(task.UpdatedAt) {
			return taskerr.New(taskerr.CodeConflict,
				"task modified concurrently").WithTask(id)
		}

		all, err := loadAll(b)
		if err != nil {
			return err
		}
		idx := graph.Build(all)
		tree := treeTasks(idx, id)
		var dependents []*types.Task
		for _, t := range tree {
			if t.DependsOn(id) {
				dependents = append(dependents, t)
			}
		}

		updated, err = graph.ApplyUpdate(task, delta, tree, dependents)
		if err != nil {
			return err
		}
		return putTask(b, updated)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteSubtree physically removes id and its descendants when every
// member is pending and nothing outside depends into the subtree. The
// transaction makes the removal all-or-nothing.
func (s *BoltStore) DeleteSubtree(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if _, err := getTask(b, id); err != nil {
			return err
		}
		all, err := loadAll(b)
		if err != nil {
			return err
		}
		idx := graph.Build(all)

		subtree := []*types.Task{idx.Tasks[id]}
		member := map[string]bool{id: true}
		for _, d := range idx.Descendants(id) {
			subtree = append(subtree, idx.Tasks[d])
			member[d] = true
		}

		var external []*types.Task
		for _, t := range treeTasks(idx, id) {
			if member[t.ID] {
				continue
			}
			for _, dep := range t.Dependencies {
				if member[dep.ID] {
					external = append(external, t)
					break
				}
			}
		}

		if err := graph.CheckDelete(subtree, external); err != nil {
			return err
		}
		for _, t := range subtree {
			if err := b.Delete([]byte(t.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyCopy persists a tree copy: inserts the copied rows with fresh
// submission order and marks the originated rows has_copy, all in one
// transaction.
func (s *BoltStore) ApplyCopy(copies []*types.Task, originalIDs []string) error {
	now := time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		for _, t := range copies {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			t.SubmissionOrder = int64(seq)
			t.CreatedAt = now
			t.UpdatedAt = now
			if err := putTask(b, t); err != nil {
				return err
			}
		}
		for _, id := range originalIDs {
			orig, err := getTask(b, id)
			if err != nil {
				return err
			}
			if orig.HasCopy {
				continue
			}
			orig.HasCopy = true
			orig.UpdatedAt = now
			if err := putTask(b, orig); err != nil {
				return err
			}
		}
		return nil
	})
}

// LLM provider key operations

func (s *BoltStore) SetLLMKey(provider, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLLMKeys).Put([]byte(provider), []byte(key))
	})
}

func (s *BoltStore) GetLLMKey(provider string) (string, error) {
	var key string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLLMKeys).Get([]byte(provider))
		if data == nil {
			return taskerr.New(taskerr.CodeNotFound, "no key for provider %s", provider)
		}
		key = string(data)
		return nil
	})
	return key, err
}

func (s *BoltStore) DeleteLLMKey(provider string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLLMKeys).Delete([]byte(provider))
	})
}

// Helpers

func getTask(b *bolt.Bucket, id string) (*types.Task, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, taskerr.NotFound(id)
	}
	var t types.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func putTask(b *bolt.Bucket, t *types.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.Put([]byte(t.ID), data)
}

func loadAll(b *bolt.Bucket) ([]*types.Task, error) {
	var tasks []*types.Task
	err := b.ForEach(func(k, v []byte) error {
		var t types.Task
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		tasks = append(tasks, &t)
		return nil
	})
	return tasks, err
}
