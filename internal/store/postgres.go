package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"canvas-sync/internal/model"
)

// PostgresMeta is the gorm-backed canvas registry. Only MetaStore lives
// here: the shape and presence planes need subscription fan-out that a
// relational store has no business providing, so deployments pair this
// with the Redis or Firestore adapter for those.
type PostgresMeta struct {
	db *gorm.DB
}

// NewPostgresMeta wraps an established gorm connection.
func NewPostgresMeta(db *gorm.DB) *PostgresMeta {
	return &PostgresMeta{db: db}
}

func (p *PostgresMeta) CreateCanvas(ctx context.Context, meta model.CanvasMeta) (model.CanvasMeta, error) {
	if meta.ID == "" {
		meta.ID = newCanvasID()
	}
	row := model.CanvasFromMeta(meta)
	now := time.Now()
	row.CreatedAt = now
	row.UpdatedAt = now

	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		return model.CanvasMeta{}, err
	}
	return row.Meta(), nil
}

func (p *PostgresMeta) GetCanvas(ctx context.Context, canvasID string) (model.CanvasMeta, error) {
	var row model.Canvas
	err := p.db.WithContext(ctx).First(&row, "id = ?", canvasID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.CanvasMeta{}, NotFound("canvas", canvasID)
	}
	if err != nil {
		return model.CanvasMeta{}, err
	}
	return row.Meta(), nil
}

func (p *PostgresMeta) ListCanvases(ctx context.Context, ownerID string) ([]model.CanvasMeta, error) {
	var rows []model.Canvas
	err := p.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("updated_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]model.CanvasMeta, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Meta())
	}
	return out, nil
}

func (p *PostgresMeta) SaveViewport(ctx context.Context, canvasID string, v model.Viewport) error {
	v.Clamp()
	res := p.db.WithContext(ctx).
		Model(&model.Canvas{}).
		Where("id = ?", canvasID).
		Updates(map[string]interface{}{
			"viewport_x":     v.X,
			"viewport_y":     v.Y,
			"viewport_scale": v.Scale,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return NotFound("canvas", canvasID)
	}
	return nil
}

func (p *PostgresMeta) SavePermissions(ctx context.Context, canvasID, actorID string, perms model.Permissions) error {
	// 소유권 검증 후 갱신 (트랜잭션)
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row model.Canvas
		err := tx.First(&row, "id = ?", canvasID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NotFound("canvas", canvasID)
		}
		if err != nil {
			return err
		}
		if row.OwnerID != actorID {
			return PermissionDenied(actorID, "canvas", canvasID)
		}

		if perms.OwnerID == "" {
			perms.OwnerID = row.OwnerID
		}
		if !perms.AccessType.Valid() {
			perms.AccessType = row.AccessType
		}
		var password *string
		if perms.Password != "" {
			pw := perms.Password
			password = &pw
		}

		return tx.Model(&row).Updates(map[string]interface{}{
			"owner_id":    perms.OwnerID,
			"access_type": perms.AccessType,
			"password":    password,
		}).Error
	})
}

func (p *PostgresMeta) DeleteCanvas(ctx context.Context, canvasID, actorID string) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row model.Canvas
		err := tx.First(&row, "id = ?", canvasID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NotFound("canvas", canvasID)
		}
		if err != nil {
			return err
		}
		if row.OwnerID != actorID {
			return PermissionDenied(actorID, "canvas", canvasID)
		}
		return tx.Delete(&row).Error
	})
}
