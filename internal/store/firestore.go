package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"canvas-sync/internal/model"
)

// Firestore is the Cloud Firestore adapter: canvases/{id} root documents
// with objects and presence subcollections. Snapshot listeners feed the
// subscribe callbacks with full query results, which matches the
// full-set delivery contract for free.
type Firestore struct {
	client *firestore.Client
}

// NewFirestore initializes the Firebase app and its Firestore client.
// credentialsFile may be empty when ambient credentials are available.
func NewFirestore(ctx context.Context, projectID, credentialsFile string) (*Firestore, error) {
	conf := &firebase.Config{ProjectID: projectID}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, conf, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase init: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	log.Printf("[Firestore] Connected to project %s", projectID)
	return &Firestore{client: client}, nil
}

func (f *Firestore) canvasDoc(canvasID string) *firestore.DocumentRef {
	return f.client.Collection("canvases").Doc(canvasID)
}

func (f *Firestore) objectsCol(canvasID string) *firestore.CollectionRef {
	return f.canvasDoc(canvasID).Collection("objects")
}

func (f *Firestore) presenceCol(canvasID string) *firestore.CollectionRef {
	return f.canvasDoc(canvasID).Collection("presence")
}

// toDoc/fromDoc shuttle through the flat JSON wire form, so Firestore
// documents look exactly like every other adapter's.
func toDoc(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func fromDoc(data map[string]any, out any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (f *Firestore) GetShapes(ctx context.Context, canvasID string) ([]model.Shape, error) {
	iter := f.objectsCol(canvasID).Documents(ctx)
	defer iter.Stop()
	shapes := make([]model.Shape, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("load shapes for canvas %s: %w", canvasID, err)
		}
		var s model.Shape
		if err := fromDoc(doc.Data(), &s); err != nil {
			log.Printf("[Firestore] Dropping corrupt object %s on canvas %s: %v", doc.Ref.ID, canvasID, err)
			continue
		}
		shapes = append(shapes, s)
	}
	model.SortShapes(shapes)
	return shapes, nil
}

func (f *Firestore) PutShape(ctx context.Context, canvasID string, shape model.Shape) error {
	return f.PutShapes(ctx, canvasID, []model.Shape{shape})
}

// PutShapes commits one WriteBatch. BulkWriter would pipeline better but
// is not atomic, and batches here must be all-or-nothing.
func (f *Firestore) PutShapes(ctx context.Context, canvasID string, shapes []model.Shape) error {
	if len(shapes) == 0 {
		return nil
	}
	batch := f.client.Batch()
	for _, s := range shapes {
		doc, err := toDoc(s)
		if err != nil {
			return fmt.Errorf("encode shape %s: %w", s.ID, err)
		}
		batch.Set(f.objectsCol(canvasID).Doc(s.ID), doc)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("write %d shapes to canvas %s: %w", len(shapes), canvasID, err)
	}
	return nil
}

func (f *Firestore) DeleteShapes(ctx context.Context, canvasID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	batch := f.client.Batch()
	for _, id := range ids {
		batch.Delete(f.objectsCol(canvasID).Doc(id))
	}
	if _, err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("delete %d shapes from canvas %s: %w", len(ids), canvasID, err)
	}
	return nil
}

func (f *Firestore) SubscribeShapes(ctx context.Context, canvasID string, fn func([]model.Shape)) (Unsubscribe, error) {
	snaps := f.objectsCol(canvasID).Snapshots(ctx)
	first, err := snaps.Next()
	if err != nil {
		snaps.Stop()
		return nil, fmt.Errorf("subscribe to canvas %s objects: %w", canvasID, err)
	}
	fn(f.shapesFromSnap(canvasID, first))

	go func() {
		for {
			snap, err := snaps.Next()
			if err != nil {
				if status.Code(err) != codes.Canceled {
					log.Printf("[Firestore] Object listener for canvas %s ended: %v", canvasID, err)
				}
				return
			}
			fn(f.shapesFromSnap(canvasID, snap))
		}
	}()
	return func() { snaps.Stop() }, nil
}

func (f *Firestore) shapesFromSnap(canvasID string, snap *firestore.QuerySnapshot) []model.Shape {
	shapes := make([]model.Shape, 0, snap.Size)
	for {
		doc, err := snap.Documents.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			log.Printf("[Firestore] Snapshot read for canvas %s: %v", canvasID, err)
			break
		}
		var s model.Shape
		if err := fromDoc(doc.Data(), &s); err != nil {
			log.Printf("[Firestore] Dropping corrupt object %s on canvas %s: %v", doc.Ref.ID, canvasID, err)
			continue
		}
		shapes = append(shapes, s)
	}
	model.SortShapes(shapes)
	return shapes
}

func (f *Firestore) PutPresence(ctx context.Context, canvasID string, p model.UserPresence) error {
	doc, err := toDoc(p)
	if err != nil {
		return fmt.Errorf("encode presence for %s: %w", p.UserID, err)
	}
	if _, err := f.presenceCol(canvasID).Doc(p.UserID).Set(ctx, doc); err != nil {
		return fmt.Errorf("write presence for %s on canvas %s: %w", p.UserID, canvasID, err)
	}
	return nil
}

func (f *Firestore) TouchPresence(ctx context.Context, canvasID, userID string, lastSeen int64) error {
	_, err := f.presenceCol(canvasID).Doc(userID).Update(ctx, []firestore.Update{
		{Path: "lastSeen", Value: lastSeen},
	})
	if status.Code(err) == codes.NotFound {
		return NotFound("presence", userID)
	}
	return err
}

func (f *Firestore) RemovePresence(ctx context.Context, canvasID, userID string) error {
	_, err := f.presenceCol(canvasID).Doc(userID).Delete(ctx)
	return err
}

func (f *Firestore) ListPresence(ctx context.Context, canvasID string) ([]model.UserPresence, error) {
	iter := f.presenceCol(canvasID).Documents(ctx)
	defer iter.Stop()
	records := make([]model.UserPresence, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("load presence for canvas %s: %w", canvasID, err)
		}
		var p model.UserPresence
		if err := fromDoc(doc.Data(), &p); err != nil {
			continue
		}
		records = append(records, p)
	}
	return records, nil
}

func (f *Firestore) SubscribePresence(ctx context.Context, canvasID string, fn func([]model.UserPresence)) (Unsubscribe, error) {
	snaps := f.presenceCol(canvasID).Snapshots(ctx)
	first, err := snaps.Next()
	if err != nil {
		snaps.Stop()
		return nil, fmt.Errorf("subscribe to canvas %s presence: %w", canvasID, err)
	}
	fn(f.presenceFromSnap(canvasID, first))

	go func() {
		for {
			snap, err := snaps.Next()
			if err != nil {
				if status.Code(err) != codes.Canceled {
					log.Printf("[Firestore] Presence listener for canvas %s ended: %v", canvasID, err)
				}
				return
			}
			fn(f.presenceFromSnap(canvasID, snap))
		}
	}()
	return func() { snaps.Stop() }, nil
}

func (f *Firestore) presenceFromSnap(canvasID string, snap *firestore.QuerySnapshot) []model.UserPresence {
	records := make([]model.UserPresence, 0, snap.Size)
	for {
		doc, err := snap.Documents.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			log.Printf("[Firestore] Presence snapshot read for canvas %s: %v", canvasID, err)
			break
		}
		var p model.UserPresence
		if err := fromDoc(doc.Data(), &p); err != nil {
			continue
		}
		records = append(records, p)
	}
	return records
}

func (f *Firestore) CreateCanvas(ctx context.Context, meta model.CanvasMeta) (model.CanvasMeta, error) {
	if meta.ID == "" {
		meta.ID = newCanvasID()
	}
	if !meta.Permissions.AccessType.Valid() {
		meta.Permissions.AccessType = model.AccessPrivate
	}
	meta.Viewport.Clamp()
	now := model.NowMilli()
	meta.CreatedAt = now
	meta.UpdatedAt = now

	doc, err := toDoc(meta)
	if err != nil {
		return model.CanvasMeta{}, err
	}
	if _, err := f.canvasDoc(meta.ID).Set(ctx, doc); err != nil {
		return model.CanvasMeta{}, fmt.Errorf("create canvas %s: %w", meta.ID, err)
	}
	return meta, nil
}

func (f *Firestore) GetCanvas(ctx context.Context, canvasID string) (model.CanvasMeta, error) {
	doc, err := f.canvasDoc(canvasID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return model.CanvasMeta{}, NotFound("canvas", canvasID)
	}
	if err != nil {
		return model.CanvasMeta{}, fmt.Errorf("load canvas %s: %w", canvasID, err)
	}
	var meta model.CanvasMeta
	if err := fromDoc(doc.Data(), &meta); err != nil {
		return model.CanvasMeta{}, fmt.Errorf("decode canvas %s: %w", canvasID, err)
	}
	return meta, nil
}

func (f *Firestore) ListCanvases(ctx context.Context, ownerID string) ([]model.CanvasMeta, error) {
	iter := f.client.Collection("canvases").
		Where("permissions.ownerId", "==", ownerID).
		Documents(ctx)
	defer iter.Stop()
	out := make([]model.CanvasMeta, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list canvases for %s: %w", ownerID, err)
		}
		var meta model.CanvasMeta
		if err := fromDoc(doc.Data(), &meta); err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

func (f *Firestore) SaveViewport(ctx context.Context, canvasID string, v model.Viewport) error {
	v.Clamp()
	_, err := f.canvasDoc(canvasID).Update(ctx, []firestore.Update{
		{Path: "viewport", Value: map[string]any{"x": v.X, "y": v.Y, "scale": v.Scale}},
		{Path: "updatedAt", Value: model.NowMilli()},
	})
	if status.Code(err) == codes.NotFound {
		return NotFound("canvas", canvasID)
	}
	return err
}

// SavePermissions runs as a transaction: the owner check and the write
// must see the same document.
func (f *Firestore) SavePermissions(ctx context.Context, canvasID, actorID string, perms model.Permissions) error {
	ref := f.canvasDoc(canvasID)
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return NotFound("canvas", canvasID)
		}
		if err != nil {
			return err
		}
		var meta model.CanvasMeta
		if err := fromDoc(doc.Data(), &meta); err != nil {
			return fmt.Errorf("decode canvas %s: %w", canvasID, err)
		}
		if meta.Permissions.OwnerID != actorID {
			return PermissionDenied(actorID, "canvas", canvasID)
		}
		if perms.OwnerID == "" {
			perms.OwnerID = meta.Permissions.OwnerID
		}
		if !perms.AccessType.Valid() {
			perms.AccessType = meta.Permissions.AccessType
		}
		permsDoc, err := toDoc(perms)
		if err != nil {
			return err
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "permissions", Value: permsDoc},
			{Path: "updatedAt", Value: model.NowMilli()},
		})
	})
}

func (f *Firestore) DeleteCanvas(ctx context.Context, canvasID, actorID string) error {
	meta, err := f.GetCanvas(ctx, canvasID)
	if err != nil {
		return err
	}
	if meta.Permissions.OwnerID != actorID {
		return PermissionDenied(actorID, "canvas", canvasID)
	}
	if err := f.deleteCollection(ctx, f.objectsCol(canvasID)); err != nil {
		return fmt.Errorf("clear objects for canvas %s: %w", canvasID, err)
	}
	if err := f.deleteCollection(ctx, f.presenceCol(canvasID)); err != nil {
		return fmt.Errorf("clear presence for canvas %s: %w", canvasID, err)
	}
	if _, err := f.canvasDoc(canvasID).Delete(ctx); err != nil {
		return fmt.Errorf("delete canvas %s: %w", canvasID, err)
	}
	return nil
}

// deleteCollection removes documents in bounded batches; subcollections
// do not cascade in Firestore.
func (f *Firestore) deleteCollection(ctx context.Context, col *firestore.CollectionRef) error {
	for {
		iter := col.Limit(100).Documents(ctx)
		batch := f.client.Batch()
		n := 0
		for {
			doc, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return err
			}
			batch.Delete(doc.Ref)
			n++
		}
		if n == 0 {
			return nil
		}
		if _, err := batch.Commit(ctx); err != nil {
			return err
		}
	}
}

// Close closes the Firestore client.
func (f *Firestore) Close() error {
	return f.client.Close()
}
