package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"deployproof/internal/domain"
)

// Query returns the environment records of q.Object whose q.Field matches
// one of q.Values case-insensitively.
func (r Repo) Query(ctx context.Context, q domain.RecordQuery) ([]domain.EnvironmentRecord, error) {
	if len(q.Values) == 0 {
		return nil, nil
	}
	var out []domain.EnvironmentRecord
	for _, batch := range chunks(q.Values, maxInArgs) {
		args := []any{q.Environment, q.Object, q.Field}
		for _, v := range batch {
			args = append(args, strings.ToLower(v))
		}
		rows, err := r.DB.QueryContext(ctx, r.q(fmt.Sprintf(`SELECT e.id,f.value,e.last_modified,COALESCE(e.last_modified_by,'')
FROM env_record_fields f
JOIN env_records e ON e.environment=f.environment AND e.object=f.object AND e.id=f.record_id
WHERE f.environment=? AND f.object=? AND f.field=? AND f.value_lower IN (%s)
ORDER BY e.id`, placeholders(len(batch)))), args...)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", q.Object, err)
		}
		for rows.Next() {
			var rec domain.EnvironmentRecord
			var value, modified string
			if err := rows.Scan(&rec.ID, &value, &modified, &rec.LastModifiedBy); err != nil {
				rows.Close()
				return nil, err
			}
			t, err := parseTime(modified)
			if err != nil {
				rows.Close()
				return nil, err
			}
			rec.Object = q.Object
			rec.LastModified = t
			rec.Fields = map[string]string{q.Field: value}
			out = append(out, rec)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// BundleMembers returns the member files of a bundle record.
func (r Repo) BundleMembers(ctx context.Context, env, object, bundleID string) ([]domain.BundleMember, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT path,last_modified,COALESCE(last_modified_by,'') FROM bundle_members WHERE environment=? AND object=? AND bundle_id=? ORDER BY path`), env, object, bundleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BundleMember
	for rows.Next() {
		var m domain.BundleMember
		var modified string
		if err := rows.Scan(&m.Path, &modified, &m.LastModifiedBy); err != nil {
			return nil, err
		}
		t, err := parseTime(modified)
		if err != nil {
			return nil, err
		}
		m.LastModified = t
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertEnvironmentRecord stores a record and its comparison fields.
func (r Repo) UpsertEnvironmentRecord(ctx context.Context, tx *sql.Tx, env string, rec domain.EnvironmentRecord) error {
	if rec.ID == "" || rec.Object == "" {
		return errors.New("record id and object required")
	}
	c := r.conn(tx)
	if _, err := c.ExecContext(ctx, r.q(`INSERT INTO env_records(environment,object,id,last_modified,last_modified_by) VALUES (?,?,?,?,?)
ON CONFLICT(environment,object,id) DO UPDATE SET last_modified=excluded.last_modified,last_modified_by=excluded.last_modified_by`),
		env, rec.Object, rec.ID, formatTime(rec.LastModified), nullable(rec.LastModifiedBy)); err != nil {
		return fmt.Errorf("upsert record %s/%s: %w", rec.Object, rec.ID, err)
	}
	for field, value := range rec.Fields {
		if _, err := c.ExecContext(ctx, r.q(`INSERT INTO env_record_fields(environment,object,record_id,field,value,value_lower) VALUES (?,?,?,?,?,?)
ON CONFLICT(environment,object,record_id,field) DO UPDATE SET value=excluded.value,value_lower=excluded.value_lower`),
			env, rec.Object, rec.ID, field, value, strings.ToLower(value)); err != nil {
			return fmt.Errorf("upsert field %s: %w", field, err)
		}
	}
	return nil
}

func (r Repo) UpsertBundleMember(ctx context.Context, tx *sql.Tx, env, object, bundleID string, m domain.BundleMember) error {
	_, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO bundle_members(environment,object,bundle_id,path,last_modified,last_modified_by) VALUES (?,?,?,?,?,?)
ON CONFLICT(environment,object,bundle_id,path) DO UPDATE SET last_modified=excluded.last_modified,last_modified_by=excluded.last_modified_by`),
		env, object, bundleID, m.Path, formatTime(m.LastModified), nullable(m.LastModifiedBy))
	return err
}

// DeploymentRecords returns the audit records of source referencing stories.
func (r Repo) DeploymentRecords(ctx context.Context, env, source string, stories []string) ([]domain.DeploymentRecord, error) {
	var out []domain.DeploymentRecord
	for _, batch := range chunks(stories, maxInArgs) {
		args := []any{env, source}
		for _, s := range batch {
			args = append(args, s)
		}
		rows, err := r.DB.QueryContext(ctx, r.q(fmt.Sprintf(`SELECT id,environment,source,story,status,COALESCE(completed_at,'') FROM deployment_records WHERE environment=? AND source=? AND story IN (%s) ORDER BY story,completed_at`, placeholders(len(batch)))), args...)
		if err != nil {
			return nil, fmt.Errorf("query deployment records: %w", err)
		}
		for rows.Next() {
			var d domain.DeploymentRecord
			if err := rows.Scan(&d.ID, &d.Environment, &d.Source, &d.Story, &d.Status, &d.CompletedAt); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, d)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func (r Repo) InsertDeploymentRecord(ctx context.Context, tx *sql.Tx, d domain.DeploymentRecord) (domain.DeploymentRecord, error) {
	if d.Story == "" || d.Source == "" || d.Environment == "" {
		return d, errors.New("story, source and environment required")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = "Completed"
	}
	if d.CompletedAt == "" {
		d.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO deployment_records(id,environment,source,story,status,completed_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status,completed_at=excluded.completed_at`),
		d.ID, d.Environment, d.Source, d.Story, d.Status, nullable(d.CompletedAt))
	return d, err
}
