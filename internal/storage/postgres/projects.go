package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/AaronLay10/SceneForge/internal/studio"
)

const projectColumns = `id, user_id, name, theme, style, constraints, scene_count, max_duration, generation_mode, status, created_at`

const sceneColumns = `id, project_id, scene_order, script, image_prompt, video_prompt, image_url, image_key, video_url, video_key, status, start_at, end_at, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*studio.Project, error) {
	var p studio.Project
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Theme, &p.Style, &p.Constraints,
		&p.SceneCount, &p.MaxDuration, &p.GenerationMode, &p.Status, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanScene(row scanner) (*studio.Scene, error) {
	var sc studio.Scene
	err := row.Scan(&sc.ID, &sc.ProjectID, &sc.Order, &sc.Script, &sc.ImagePrompt, &sc.VideoPrompt,
		&sc.ImageURL, &sc.ImageKey, &sc.VideoURL, &sc.VideoKey, &sc.Status, &sc.StartAt, &sc.EndAt, &sc.Error)
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

// notFound maps sql.ErrNoRows to studio.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return studio.ErrNotFound
	}
	return err
}

// mustAffect returns studio.ErrNotFound when res touched no rows.
func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return studio.ErrNotFound
	}
	return nil
}

func (c *Client) CreateProject(ctx context.Context, p *studio.Project) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.UserID, p.Name, p.Theme, p.Style, p.Constraints,
		p.SceneCount, p.MaxDuration, string(p.GenerationMode), string(p.Status), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (c *Client) GetProject(ctx context.Context, id string) (*studio.Project, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	p, err := scanProject(row)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (c *Client) ListProjects(ctx context.Context, userID string) ([]studio.Project, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := []studio.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

func (c *Client) UpdateProjectStatus(ctx context.Context, id string, status studio.ProjectStatus) error {
	res, err := c.db.ExecContext(ctx, `UPDATE projects SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// DeleteProject removes the project; its scenes go with it by cascade.
func (c *Client) DeleteProject(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// InsertScenes stores all scenes in one transaction.
func (c *Client) InsertScenes(ctx context.Context, scenes []studio.Scene) (err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO scenes (`+sceneColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sc := range scenes {
		if _, err = stmt.ExecContext(ctx, sc.ID, sc.ProjectID, sc.Order, sc.Script, sc.ImagePrompt, sc.VideoPrompt,
			sc.ImageURL, sc.ImageKey, sc.VideoURL, sc.VideoKey, string(sc.Status), sc.StartAt, sc.EndAt, sc.Error); err != nil {
			return fmt.Errorf("insert scene %d: %w", sc.Order, err)
		}
	}
	return tx.Commit()
}

func (c *Client) ListScenes(ctx context.Context, projectID string) ([]studio.Scene, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+sceneColumns+` FROM scenes WHERE project_id = $1 ORDER BY scene_order`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scenes := []studio.Scene{}
	for rows.Next() {
		sc, err := scanScene(rows)
		if err != nil {
			return nil, err
		}
		scenes = append(scenes, *sc)
	}
	return scenes, rows.Err()
}

func (c *Client) GetScene(ctx context.Context, id string) (*studio.Scene, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+sceneColumns+` FROM scenes WHERE id = $1`, id)
	sc, err := scanScene(row)
	if err != nil {
		return nil, notFound(err)
	}
	return sc, nil
}

func (c *Client) UpdateScene(ctx context.Context, sc *studio.Scene) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE scenes
		SET script = $2, image_prompt = $3, video_prompt = $4,
		    image_url = $5, image_key = $6, video_url = $7, video_key = $8,
		    status = $9, error = $10
		WHERE id = $1`,
		sc.ID, sc.Script, sc.ImagePrompt, sc.VideoPrompt,
		sc.ImageURL, sc.ImageKey, sc.VideoURL, sc.VideoKey,
		string(sc.Status), sc.Error)
	if err != nil {
		return err
	}
	return mustAffect(res)
}
