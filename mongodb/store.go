package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	"github.com/olivere/jobdispatch"
	"github.com/olivere/jobdispatch/item"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time.
	socketTimeout = 21 * time.Second

	// dialTimeout is the upper bound for dialing a mongo server within
	// the same network.
	dialTimeout = 30 * time.Second

	// defaultCollectionName is the name of the jobs collection in MongoDB.
	// It can be overridden by SetCollectionName.
	defaultCollectionName = "jobdispatch_jobs"

	itemsCollectionName = "jobdispatch_items"
	edgesCollectionName = "jobdispatch_edges"
)

// Store represents a MongoDB-based storage backend.
// It implements the jobdispatch.Store and item.Store interfaces.
type Store struct {
	session        *mgo.Session
	db             *mgo.Database
	coll           *mgo.Collection
	items          *mgo.Collection
	edges          *mgo.Collection
	collectionName string
	now            func() time.Time
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetCollectionName overrides the default name of the jobs collection.
func SetCollectionName(collectionName string) StoreOption {
	return func(s *Store) {
		s.collectionName = collectionName
	}
}

// NewStore creates a new MongoDB-based storage backend.
func NewStore(mongodbURL string, options ...StoreOption) (*Store, error) {
	st := &Store{
		collectionName: defaultCollectionName,
		now:            time.Now,
	}
	for _, opt := range options {
		opt(st)
	}

	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	if uri.Path == "" || uri.Path == "/" {
		return nil, errors.New("mongodb: database missing in URL")
	}
	dbname := uri.Path[1:]

	st.session, err = mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, err
	}

	st.session.SetMode(mgo.Monotonic, true)
	st.session.SetSocketTimeout(socketTimeout)

	st.db = st.session.DB(dbname)
	st.coll = st.db.C(st.collectionName)
	st.items = st.db.C(itemsCollectionName)
	st.edges = st.db.C(edgesCollectionName)

	// Create indices
	for _, key := range [][]string{
		{"status", "completed_at"},
		{"job_type", "-updated_at"},
		{"-updated_at"},
	} {
		if err := st.coll.EnsureIndexKey(key...); err != nil {
			st.session.Close()
			return nil, err
		}
	}
	if err := st.items.EnsureIndexKey("source", "created_at"); err != nil {
		st.session.Close()
		return nil, err
	}
	if err := st.edges.EnsureIndexKey("source_id", "created_at"); err != nil {
		st.session.Close()
		return nil, err
	}

	return st, nil
}

// Close the MongoDB store.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

func (s *Store) wrapError(err error) error {
	if err == mgo.ErrNotFound {
		// Map mgo.ErrNotFound to jobdispatch-specific "not found" error
		return jobdispatch.ErrNotFound
	}
	return err
}

// Start is called when the manager starts up. Jobs in progress are left
// alone: the broker redelivers them.
func (s *Store) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.session.Ping()
}

// Create adds a new job to the store.
func (s *Store) Create(ctx context.Context, job *jobdispatch.Job) error {
	j, err := newJob(job)
	if err != nil {
		return err
	}
	err = s.coll.Insert(j)
	if mgo.IsDup(err) {
		return jobdispatch.ErrDuplicateJob
	}
	return s.wrapError(err)
}

// Begin moves a pending job to in_progress, or resumes a job in progress.
func (s *Store) Begin(ctx context.Context, id string) (*jobdispatch.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now().UnixNano()
	var j Job

	// pending -> in_progress
	_, err := s.coll.Find(bson.M{"_id": id, "status": jobdispatch.Pending}).Apply(mgo.Change{
		Update: bson.M{
			"$set": bson.M{"status": jobdispatch.InProgress, "progress": 0, "updated_at": now},
			"$inc": bson.M{"attempts": 1},
		},
		ReturnNew: true,
	}, &j)
	if err == nil {
		return j.ToJob()
	}
	if err != mgo.ErrNotFound {
		return nil, err
	}

	// Redelivery of a job in progress
	_, err = s.coll.Find(bson.M{"_id": id, "status": jobdispatch.InProgress}).Apply(mgo.Change{
		Update: bson.M{
			"$set": bson.M{"updated_at": now},
			"$inc": bson.M{"attempts": 1},
		},
		ReturnNew: true,
	}, &j)
	if err == nil {
		return j.ToJob()
	}
	if err != mgo.ErrNotFound {
		return nil, err
	}

	// Terminal jobs are returned unchanged; the job may also have
	// transitioned concurrently.
	job, err := s.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !jobdispatch.IsTerminal(job.State) {
		return nil, fmt.Errorf("mongodb: job %s changed state concurrently", id)
	}
	return job, nil
}

// Progress raises the progress of a job in progress.
func (s *Store) Progress(ctx context.Context, id string, progress int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	err := s.coll.Update(
		bson.M{"_id": id, "status": jobdispatch.InProgress, "progress": bson.M{"$lt": progress}},
		bson.M{"$set": bson.M{"progress": progress, "updated_at": s.now().UnixNano()}},
	)
	if err == nil {
		return nil
	}
	if err != mgo.ErrNotFound {
		return err
	}
	job, err := s.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if job.State != jobdispatch.InProgress {
		return fmt.Errorf("%w: progress update in state %s", jobdispatch.ErrInvalidTransition, job.State)
	}
	return nil
}

// Finish writes the terminal state of a job in progress. It is a no-op
// for jobs already in a terminal state.
func (s *Store) Finish(ctx context.Context, id, state string, result map[string]interface{}) (*jobdispatch.Job, error) {
	if !jobdispatch.IsTerminal(state) {
		return nil, fmt.Errorf("%w: %s is not a terminal state", jobdispatch.ErrInvalidTransition, state)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := marshalMap(result)
	if err != nil {
		return nil, err
	}
	now := s.now().UnixNano()
	var j Job
	_, err = s.coll.Find(bson.M{"_id": id, "status": jobdispatch.InProgress}).Apply(mgo.Change{
		Update: bson.M{"$set": bson.M{
			"status":       state,
			"progress":     100,
			"result":       raw,
			"updated_at":   now,
			"completed_at": now,
		}},
		ReturnNew: true,
	}, &j)
	if err == nil {
		return j.ToJob()
	}
	if err != mgo.ErrNotFound {
		return nil, err
	}
	job, err := s.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if jobdispatch.IsTerminal(job.State) {
		return job, nil
	}
	return nil, fmt.Errorf("%w: %s -> %s", jobdispatch.ErrInvalidTransition, job.State, state)
}

// Delete removes a job from the store.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.wrapError(s.coll.RemoveId(id))
}

// Prune removes terminal jobs completed before the given time.
func (s *Store) Prune(ctx context.Context, before int64) (int64, error) {
	info, err := s.coll.RemoveAll(bson.M{
		"status":       bson.M{"$in": []string{jobdispatch.Completed, jobdispatch.Failed}},
		"completed_at": bson.M{"$lt": before},
	})
	if err != nil {
		return 0, s.wrapError(err)
	}
	return int64(info.Removed), nil
}

// Lookup retrieves a single job in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*jobdispatch.Job, error) {
	var j Job
	err := s.coll.FindId(id).One(&j)
	if err != nil {
		return nil, s.wrapError(err)
	}
	job, err := j.ToJob()
	if err != nil {
		return nil, s.wrapError(err)
	}
	return job, nil
}

// List returns a list of all jobs stored in the data store.
func (s *Store) List(ctx context.Context, request *jobdispatch.ListRequest) (*jobdispatch.ListResponse, error) {
	if request == nil {
		request = &jobdispatch.ListRequest{}
	}
	rsp := &jobdispatch.ListResponse{}

	// Common filters for both Count and Find
	query := bson.M{}
	if request.Type != "" {
		query["job_type"] = request.Type
	}
	if request.State != "" {
		query["status"] = request.State
	}

	// Count
	count, err := s.coll.Find(query).Count()
	if err != nil {
		return nil, s.wrapError(err)
	}
	rsp.Total = count

	// Find
	var list []*Job
	err = s.coll.Find(query).Sort("-updated_at", "_id").Skip(request.Offset).Limit(request.Limit).All(&list)
	if err != nil {
		return nil, s.wrapError(err)
	}
	for _, j := range list {
		job, err := j.ToJob()
		if err != nil {
			return nil, s.wrapError(err)
		}
		rsp.Jobs = append(rsp.Jobs, job)
	}
	return rsp, nil
}

// Stats returns statistics about the jobs in the store.
func (s *Store) Stats(ctx context.Context, request *jobdispatch.StatsRequest) (*jobdispatch.Stats, error) {
	count := func(state string) (int, error) {
		query := bson.M{"status": state}
		if request != nil && request.Type != "" {
			query["job_type"] = request.Type
		}
		n, err := s.coll.Find(query).Count()
		return n, s.wrapError(err)
	}
	pending, err := count(jobdispatch.Pending)
	if err != nil {
		return nil, err
	}
	inProgress, err := count(jobdispatch.InProgress)
	if err != nil {
		return nil, err
	}
	completed, err := count(jobdispatch.Completed)
	if err != nil {
		return nil, err
	}
	failed, err := count(jobdispatch.Failed)
	if err != nil {
		return nil, err
	}
	return &jobdispatch.Stats{
		Pending:    pending,
		InProgress: inProgress,
		Completed:  completed,
		Failed:     failed,
	}, nil
}

// -- MongoDB-internal representation of a job --

// Job is the document stored in the jobs collection.
type Job struct {
	ID        string  `bson:"_id"`
	Type      string  `bson:"job_type"`
	Payload   *string `bson:"payload,omitempty"`
	Priority  int     `bson:"priority"`
	State     string  `bson:"status"`
	Progress  int     `bson:"progress"`
	Result    *string `bson:"result,omitempty"`
	Attempts  int     `bson:"attempts"`
	Created   int64   `bson:"created_at"`
	Updated   int64   `bson:"updated_at"`
	Completed int64   `bson:"completed_at"`
}

func newJob(job *jobdispatch.Job) (*Job, error) {
	payload, err := marshalMap(job.Payload)
	if err != nil {
		return nil, err
	}
	result, err := marshalMap(job.Result)
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:        job.ID,
		Type:      job.Type,
		Payload:   payload,
		Priority:  job.Priority,
		State:     job.State,
		Progress:  job.Progress,
		Result:    result,
		Attempts:  job.Attempts,
		Created:   job.Created,
		Updated:   job.Updated,
		Completed: job.Completed,
	}, nil
}

// ToJob converts the document into a job.
func (j *Job) ToJob() (*jobdispatch.Job, error) {
	payload, err := unmarshalMap(j.Payload)
	if err != nil {
		return nil, err
	}
	result, err := unmarshalMap(j.Result)
	if err != nil {
		return nil, err
	}
	job := &jobdispatch.Job{
		ID:        j.ID,
		Type:      j.Type,
		Payload:   payload,
		Priority:  j.Priority,
		State:     j.State,
		Progress:  j.Progress,
		Result:    result,
		Attempts:  j.Attempts,
		Created:   j.Created,
		Updated:   j.Updated,
		Completed: j.Completed,
	}
	return job, nil
}

// Payloads and results are stored as JSON so numbers come back as float64,
// just like from the other stores.
func marshalMap(m map[string]interface{}) (*string, error) {
	if m == nil {
		return nil, nil
	}
	v, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	s := string(v)
	return &s, nil
}

func unmarshalMap(s *string) (map[string]interface{}, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(*s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// -- item.Store --

type itemDoc struct {
	ID          string    `bson:"_id"`
	Source      string    `bson:"source"`
	Title       string    `bson:"title"`
	Abstract    string    `bson:"abstract,omitempty"`
	Content     string    `bson:"content,omitempty"`
	Summary     string    `bson:"summary,omitempty"`
	EmbeddingID string    `bson:"embedding_id,omitempty"`
	Embedding   []float64 `bson:"embedding,omitempty"`
	Metadata    *string   `bson:"metadata,omitempty"`
	Created     int64     `bson:"created_at"`
	Updated     int64     `bson:"updated_at"`
}

type edgeDoc struct {
	ID       string  `bson:"_id"`
	SourceID string  `bson:"source_id"`
	TargetID string  `bson:"target_id"`
	Relation string  `bson:"relation"`
	Score    float64 `bson:"score"`
	Created  int64   `bson:"created_at"`
}

func toFloat64s(v []float32) []float64 {
	if len(v) == 0 {
		return nil
	}
	res := make([]float64, len(v))
	for i, f := range v {
		res[i] = float64(f)
	}
	return res
}

func toFloat32s(v []float64) []float32 {
	if len(v) == 0 {
		return nil
	}
	res := make([]float32, len(v))
	for i, f := range v {
		res[i] = float32(f)
	}
	return res
}

func (d *itemDoc) toItem() (*item.Item, error) {
	metadata, err := unmarshalMap(d.Metadata)
	if err != nil {
		return nil, err
	}
	return &item.Item{
		ID:          d.ID,
		Source:      d.Source,
		Title:       d.Title,
		Abstract:    d.Abstract,
		Content:     d.Content,
		Summary:     d.Summary,
		EmbeddingID: d.EmbeddingID,
		Embedding:   toFloat32s(d.Embedding),
		Metadata:    metadata,
		Created:     d.Created,
		Updated:     d.Updated,
	}, nil
}

// UpsertItem creates the item unless it exists.
func (s *Store) UpsertItem(ctx context.Context, it *item.Item) (bool, error) {
	metadata, err := marshalMap(it.Metadata)
	if err != nil {
		return false, err
	}
	now := s.now().UnixNano()
	doc := &itemDoc{
		ID:          it.ID,
		Source:      it.Source,
		Title:       it.Title,
		Abstract:    it.Abstract,
		Content:     it.Content,
		Summary:     it.Summary,
		EmbeddingID: it.EmbeddingID,
		Embedding:   toFloat64s(it.Embedding),
		Metadata:    metadata,
		Created:     it.Created,
		Updated:     now,
	}
	if doc.Created == 0 {
		doc.Created = now
	}
	err = s.items.Insert(doc)
	if mgo.IsDup(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LookupItem returns the item with the given ID.
func (s *Store) LookupItem(ctx context.Context, id string) (*item.Item, error) {
	var doc itemDoc
	if err := s.items.FindId(id).One(&doc); err != nil {
		if err == mgo.ErrNotFound {
			return nil, item.ErrNotFound
		}
		return nil, err
	}
	return doc.toItem()
}

// SetSummary stores the summary of an item.
func (s *Store) SetSummary(ctx context.Context, id, summary string) error {
	return s.updateItem(id, bson.M{"summary": summary})
}

// SetEmbedding stores the embedding of an item.
func (s *Store) SetEmbedding(ctx context.Context, id, embeddingID string, vector []float32) error {
	return s.updateItem(id, bson.M{"embedding_id": embeddingID, "embedding": toFloat64s(vector)})
}

func (s *Store) updateItem(id string, set bson.M) error {
	set["updated_at"] = s.now().UnixNano()
	err := s.items.UpdateId(id, bson.M{"$set": set})
	if err == mgo.ErrNotFound {
		return item.ErrNotFound
	}
	return err
}

// ListItems returns matching items, oldest first.
func (s *Store) ListItems(ctx context.Context, req *item.ListRequest) ([]*item.Item, error) {
	if req == nil {
		req = &item.ListRequest{}
	}
	query := bson.M{}
	if req.Source != "" {
		query["source"] = req.Source
	}
	if req.MissingSummary {
		query["summary"] = bson.M{"$in": []interface{}{nil, ""}}
	}
	if req.MissingEmbedding {
		query["embedding.0"] = bson.M{"$exists": false}
	}
	if req.WithEmbedding {
		query["embedding.0"] = bson.M{"$exists": true}
	}
	var docs []*itemDoc
	if err := s.items.Find(query).Sort("created_at", "_id").Limit(req.Limit).All(&docs); err != nil {
		return nil, err
	}
	list := make([]*item.Item, 0, len(docs))
	for _, doc := range docs {
		it, err := doc.toItem()
		if err != nil {
			return nil, err
		}
		list = append(list, it)
	}
	return list, nil
}

// AddEdges stores edges, skipping existing ones.
func (s *Store) AddEdges(ctx context.Context, edges []*item.Edge) error {
	now := s.now().UnixNano()
	for _, e := range edges {
		doc := &edgeDoc{
			ID:       e.SourceID + "|" + e.TargetID + "|" + e.Relation,
			SourceID: e.SourceID,
			TargetID: e.TargetID,
			Relation: e.Relation,
			Score:    e.Score,
			Created:  e.Created,
		}
		if doc.Created == 0 {
			doc.Created = now
		}
		if err := s.edges.Insert(doc); err != nil && !mgo.IsDup(err) {
			return err
		}
	}
	return nil
}

// Edges returns all edges starting at sourceID.
func (s *Store) Edges(ctx context.Context, sourceID string) ([]*item.Edge, error) {
	var docs []*edgeDoc
	if err := s.edges.Find(bson.M{"source_id": sourceID}).Sort("created_at", "target_id").All(&docs); err != nil {
		return nil, err
	}
	var list []*item.Edge
	for _, d := range docs {
		list = append(list, &item.Edge{
			SourceID: d.SourceID,
			TargetID: d.TargetID,
			Relation: d.Relation,
			Score:    d.Score,
			Created:  d.Created,
		})
	}
	return list, nil
}
