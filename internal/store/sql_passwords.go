package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TheMichaelB/tresor/internal/models"
)

const passwordColumns = `id, owner_id, owner_type, security_class_id, title, description, data_type,
    encrypted_payload, mac_fields, mac, created_at, updated_at`

func scanPassword(row scanner) (*models.Password, error) {
	p := &models.Password{}
	var ownerType, fields string
	var created, updated int64
	err := row.Scan(&p.ID, &p.OwnerID, &ownerType, &p.SecurityClassID, &p.Title, &p.Description,
		&p.DataType, &p.EncryptedPayload, &fields, &p.MAC, &created, &updated)
	if err != nil {
		return nil, err
	}
	p.OwnerType = models.OwnerType(ownerType)
	if fields != "" {
		p.MACFieldNames = strings.Split(fields, ",")
	}
	p.CreatedAt = fromUnix(created)
	p.UpdatedAt = fromUnix(updated)
	return p, nil
}

// CreatePassword inserts the password and the wrappers build returns for
// its id in one transaction.
func (s *SQLStore) CreatePassword(ctx context.Context, p *models.Password, build AccessBuilder) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := s.insertID(ctx, tx, `
            INSERT INTO passwords (owner_id, owner_type, security_class_id, title, description, data_type,
                encrypted_payload, mac_fields, mac, created_at, updated_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.OwnerID, string(p.OwnerType), p.SecurityClassID, p.Title, p.Description, p.DataType,
			p.EncryptedPayload, strings.Join(p.MACFieldNames, ","), p.MAC, unix(p.CreatedAt), unix(p.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert password: %w", err)
		}
		p.ID = id

		if build == nil {
			return nil
		}
		access, err := build(id)
		if err != nil {
			return err
		}
		for _, a := range access.Users {
			if err := s.putUserAccess(ctx, tx, a); err != nil {
				return err
			}
		}
		for _, a := range access.Groups {
			if err := s.putGroupAccess(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetPassword loads a password row.
func (s *SQLStore) GetPassword(ctx context.Context, id int64) (*models.Password, error) {
	p, err := scanPassword(s.queryRow(ctx, s.db, `SELECT `+passwordColumns+` FROM passwords WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFound("password", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query password: %w", err)
	}
	return p, nil
}

// UpdatePassword rewrites the payload, metadata and MAC, and refreshes the
// index rows that copy the title.
func (s *SQLStore) UpdatePassword(ctx context.Context, p *models.Password) error {
	p.UpdatedAt = time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, `
            UPDATE passwords SET security_class_id = ?, title = ?, description = ?, data_type = ?,
                encrypted_payload = ?, mac_fields = ?, mac = ?, updated_at = ?
            WHERE id = ?`,
			p.SecurityClassID, p.Title, p.Description, p.DataType, p.EncryptedPayload,
			strings.Join(p.MACFieldNames, ","), p.MAC, unix(p.UpdatedAt), p.ID)
		if err != nil {
			return fmt.Errorf("update password: %w", err)
		}
		if err := requireAffected(res, models.NotFound("password", p.ID)); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx,
			`UPDATE password_index SET title = ?, data_type = ? WHERE password_id = ?`,
			p.Title, p.DataType, p.ID); err != nil {
			return fmt.Errorf("update index: %w", err)
		}
		return nil
	})
}

// DeletePassword removes the password with everything that references it.
func (s *SQLStore) DeletePassword(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM password_links WHERE password_id = ?`,
			`DELETE FROM password_index WHERE password_id = ?`,
			`DELETE FROM password_user_access WHERE password_id = ?`,
			`DELETE FROM password_group_access WHERE password_id = ?`,
		} {
			if _, err := s.exec(ctx, tx, q, id); err != nil {
				return fmt.Errorf("delete password rows: %w", err)
			}
		}
		res, err := s.exec(ctx, tx, `DELETE FROM passwords WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete password: %w", err)
		}
		return requireAffected(res, models.NotFound("password", id))
	})
}

// GetUserAccess loads one user's wrapper.
func (s *SQLStore) GetUserAccess(ctx context.Context, passwordID, userID int64) (*models.PasswordUserAccess, error) {
	a := &models.PasswordUserAccess{}
	err := s.queryRow(ctx, s.db, `
        SELECT password_id, user_id, encrypted_key, key_refs, mac
        FROM password_user_access WHERE password_id = ? AND user_id = ?`, passwordID, userID).
		Scan(&a.PasswordID, &a.UserID, &a.EncryptedKey, &a.KeyRefs, &a.MAC)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Kind: "user access", ID: fmt.Sprintf("password=%d user=%d", passwordID, userID)}
	}
	if err != nil {
		return nil, fmt.Errorf("query user access: %w", err)
	}
	return a, nil
}

// PutUserAccess upserts a user wrapper and its index row.
func (s *SQLStore) PutUserAccess(ctx context.Context, a *models.PasswordUserAccess) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.putUserAccess(ctx, tx, a)
	})
}

func (s *SQLStore) putUserAccess(ctx context.Context, q querier, a *models.PasswordUserAccess) error {
	if _, err := s.exec(ctx, q, `
        INSERT INTO password_user_access (password_id, user_id, encrypted_key, key_refs, mac)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (password_id, user_id) DO UPDATE SET
            encrypted_key = excluded.encrypted_key,
            key_refs = excluded.key_refs,
            mac = excluded.mac`,
		a.PasswordID, a.UserID, a.EncryptedKey, a.KeyRefs, a.MAC); err != nil {
		return fmt.Errorf("upsert user access: %w", err)
	}
	return s.indexActor(ctx, q, a.PasswordID, models.OwnerUser, a.UserID)
}

// DeleteUserAccess removes a user wrapper and its index row.
func (s *SQLStore) DeleteUserAccess(ctx context.Context, passwordID, userID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx,
			`DELETE FROM password_user_access WHERE password_id = ? AND user_id = ?`, passwordID, userID)
		if err != nil {
			return fmt.Errorf("delete user access: %w", err)
		}
		if err := requireAffected(res, &models.NotFoundError{
			Kind: "user access", ID: fmt.Sprintf("password=%d user=%d", passwordID, userID),
		}); err != nil {
			return err
		}
		return s.unindexActor(ctx, tx, passwordID, models.OwnerUser, userID)
	})
}

func (s *SQLStore) listUserAccess(ctx context.Context, where string, arg int64) ([]*models.PasswordUserAccess, error) {
	rows, err := s.query(ctx, s.db, `
        SELECT password_id, user_id, encrypted_key, key_refs, mac
        FROM password_user_access WHERE `+where+` ORDER BY password_id, user_id`, arg)
	if err != nil {
		return nil, fmt.Errorf("query user access: %w", err)
	}
	defer rows.Close()

	var out []*models.PasswordUserAccess
	for rows.Next() {
		a := &models.PasswordUserAccess{}
		if err := rows.Scan(&a.PasswordID, &a.UserID, &a.EncryptedKey, &a.KeyRefs, &a.MAC); err != nil {
			return nil, fmt.Errorf("scan user access: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListUserAccess returns every wrapper held by a user.
func (s *SQLStore) ListUserAccess(ctx context.Context, userID int64) ([]*models.PasswordUserAccess, error) {
	return s.listUserAccess(ctx, `user_id = ?`, userID)
}

// ListPasswordUserAccess returns every user wrapper of a password.
func (s *SQLStore) ListPasswordUserAccess(ctx context.Context, passwordID int64) ([]*models.PasswordUserAccess, error) {
	return s.listUserAccess(ctx, `password_id = ?`, passwordID)
}

// GetGroupAccess loads one group's wrapper.
func (s *SQLStore) GetGroupAccess(ctx context.Context, passwordID, groupID int64) (*models.PasswordGroupAccess, error) {
	a := &models.PasswordGroupAccess{}
	err := s.queryRow(ctx, s.db, `
        SELECT password_id, group_id, security_class_id, encrypted_key, key_ref, mac
        FROM password_group_access WHERE password_id = ? AND group_id = ?`, passwordID, groupID).
		Scan(&a.PasswordID, &a.GroupID, &a.SecurityClassID, &a.EncryptedKey, &a.KeyRef, &a.MAC)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Kind: "group access", ID: fmt.Sprintf("password=%d group=%d", passwordID, groupID)}
	}
	if err != nil {
		return nil, fmt.Errorf("query group access: %w", err)
	}
	return a, nil
}

// PutGroupAccess upserts a group wrapper and its index row.
func (s *SQLStore) PutGroupAccess(ctx context.Context, a *models.PasswordGroupAccess) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.putGroupAccess(ctx, tx, a)
	})
}

func (s *SQLStore) putGroupAccess(ctx context.Context, q querier, a *models.PasswordGroupAccess) error {
	if _, err := s.exec(ctx, q, `
        INSERT INTO password_group_access (password_id, group_id, security_class_id, encrypted_key, key_ref, mac)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (password_id, group_id) DO UPDATE SET
            security_class_id = excluded.security_class_id,
            encrypted_key = excluded.encrypted_key,
            key_ref = excluded.key_ref,
            mac = excluded.mac`,
		a.PasswordID, a.GroupID, a.SecurityClassID, a.EncryptedKey, a.KeyRef, a.MAC); err != nil {
		return fmt.Errorf("upsert group access: %w", err)
	}
	return s.indexActor(ctx, q, a.PasswordID, models.OwnerGroup, a.GroupID)
}

// DeleteGroupAccess removes a group wrapper and its index row.
func (s *SQLStore) DeleteGroupAccess(ctx context.Context, passwordID, groupID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx,
			`DELETE FROM password_group_access WHERE password_id = ? AND group_id = ?`, passwordID, groupID)
		if err != nil {
			return fmt.Errorf("delete group access: %w", err)
		}
		if err := requireAffected(res, &models.NotFoundError{
			Kind: "group access", ID: fmt.Sprintf("password=%d group=%d", passwordID, groupID),
		}); err != nil {
			return err
		}
		return s.unindexActor(ctx, tx, passwordID, models.OwnerGroup, groupID)
	})
}

func (s *SQLStore) listGroupAccess(ctx context.Context, where string, arg int64) ([]*models.PasswordGroupAccess, error) {
	rows, err := s.query(ctx, s.db, `
        SELECT password_id, group_id, security_class_id, encrypted_key, key_ref, mac
        FROM password_group_access WHERE `+where+` ORDER BY password_id, group_id`, arg)
	if err != nil {
		return nil, fmt.Errorf("query group access: %w", err)
	}
	defer rows.Close()

	var out []*models.PasswordGroupAccess
	for rows.Next() {
		a := &models.PasswordGroupAccess{}
		if err := rows.Scan(&a.PasswordID, &a.GroupID, &a.SecurityClassID, &a.EncryptedKey, &a.KeyRef, &a.MAC); err != nil {
			return nil, fmt.Errorf("scan group access: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListGroupAccess returns every wrapper held by a group.
func (s *SQLStore) ListGroupAccess(ctx context.Context, groupID int64) ([]*models.PasswordGroupAccess, error) {
	return s.listGroupAccess(ctx, `group_id = ?`, groupID)
}

// ListPasswordGroupAccess returns every group wrapper of a password.
func (s *SQLStore) ListPasswordGroupAccess(ctx context.Context, passwordID int64) ([]*models.PasswordGroupAccess, error) {
	return s.listGroupAccess(ctx, `password_id = ?`, passwordID)
}

// indexActor copies the password's listing fields into the index.
func (s *SQLStore) indexActor(ctx context.Context, q querier, passwordID int64, actorType models.OwnerType, actorID int64) error {
	_, err := s.exec(ctx, q, `
        INSERT INTO password_index (password_id, actor_type, actor_id, title, data_type)
        SELECT id, CAST(? AS TEXT), CAST(? AS BIGINT), title, data_type FROM passwords WHERE id = ?
        ON CONFLICT (password_id, actor_type, actor_id) DO UPDATE SET
            title = excluded.title,
            data_type = excluded.data_type`,
		string(actorType), actorID, passwordID)
	if err != nil {
		return fmt.Errorf("index password: %w", err)
	}
	return nil
}

func (s *SQLStore) unindexActor(ctx context.Context, q querier, passwordID int64, actorType models.OwnerType, actorID int64) error {
	_, err := s.exec(ctx, q,
		`DELETE FROM password_index WHERE password_id = ? AND actor_type = ? AND actor_id = ?`,
		passwordID, string(actorType), actorID)
	if err != nil {
		return fmt.Errorf("unindex password: %w", err)
	}
	return nil
}

// ListIndex returns the passwords an actor holds a wrapper for.
func (s *SQLStore) ListIndex(ctx context.Context, actorType models.OwnerType, actorID int64) ([]*models.IndexEntry, error) {
	rows, err := s.query(ctx, s.db, `
        SELECT password_id, actor_type, actor_id, title, data_type
        FROM password_index WHERE actor_type = ? AND actor_id = ? ORDER BY password_id`,
		string(actorType), actorID)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer rows.Close()

	var out []*models.IndexEntry
	for rows.Next() {
		e := &models.IndexEntry{}
		var t string
		if err := rows.Scan(&e.PasswordID, &t, &e.ActorID, &e.Title, &e.DataType); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		e.ActorType = models.OwnerType(t)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RebuildIndex regenerates the index from the access tables.
func (s *SQLStore) RebuildIndex(ctx context.Context) (int, error) {
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM password_index`); err != nil {
			return fmt.Errorf("clear index: %w", err)
		}
		for _, q := range []string{`
            INSERT INTO password_index (password_id, actor_type, actor_id, title, data_type)
            SELECT p.id, 'user', a.user_id, p.title, p.data_type
            FROM password_user_access a JOIN passwords p ON p.id = a.password_id`, `
            INSERT INTO password_index (password_id, actor_type, actor_id, title, data_type)
            SELECT p.id, 'group', a.group_id, p.title, p.data_type
            FROM password_group_access a JOIN passwords p ON p.id = a.password_id`,
		} {
			if _, err := s.exec(ctx, tx, q); err != nil {
				return fmt.Errorf("rebuild index: %w", err)
			}
		}
		var err error
		n, err = s.count(ctx, tx, `SELECT COUNT(*) FROM password_index`)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.WithField("entries", n).Info("Password index rebuilt")
	return n, nil
}

// ReplaceRecoveryEntry stores the user's entry for a plugin, dropping any
// older one.
func (s *SQLStore) ReplaceRecoveryEntry(ctx context.Context, e *models.RecoveryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, s.db, `
        INSERT INTO recovery_entries (user_id, plugin_id, encrypted_auth_information, salt, mac, created_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (user_id, plugin_id) DO UPDATE SET
            encrypted_auth_information = excluded.encrypted_auth_information,
            salt = excluded.salt,
            mac = excluded.mac,
            created_at = excluded.created_at`,
		e.UserID, e.PluginID, e.EncryptedAuthInformation, e.Salt, e.MAC, unix(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert recovery entry: %w", err)
	}
	return nil
}

// GetRecoveryEntry loads the entry for (user, plugin).
func (s *SQLStore) GetRecoveryEntry(ctx context.Context, userID, pluginID int64) (*models.RecoveryEntry, error) {
	e := &models.RecoveryEntry{}
	var created int64
	err := s.queryRow(ctx, s.db, `
        SELECT user_id, plugin_id, encrypted_auth_information, salt, mac, created_at
        FROM recovery_entries WHERE user_id = ? AND plugin_id = ?`, userID, pluginID).
		Scan(&e.UserID, &e.PluginID, &e.EncryptedAuthInformation, &e.Salt, &e.MAC, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Kind: "recovery entry", ID: fmt.Sprintf("user=%d plugin=%d", userID, pluginID)}
	}
	if err != nil {
		return nil, fmt.Errorf("query recovery entry: %w", err)
	}
	e.CreatedAt = fromUnix(created)
	return e, nil
}

// DeleteRecoveryEntry removes the entry for (user, plugin).
func (s *SQLStore) DeleteRecoveryEntry(ctx context.Context, userID, pluginID int64) error {
	res, err := s.exec(ctx, s.db,
		`DELETE FROM recovery_entries WHERE user_id = ? AND plugin_id = ?`, userID, pluginID)
	if err != nil {
		return fmt.Errorf("delete recovery entry: %w", err)
	}
	return requireAffected(res, &models.NotFoundError{Kind: "recovery entry", ID: fmt.Sprintf("user=%d plugin=%d", userID, pluginID)})
}

const linkColumns = `id, password_id, creator_id, token_hash, encrypted_key, access_params,
    max_calls, calls, expires_at, mac, created_at`

func scanLink(row scanner) (*models.PasswordLink, error) {
	l := &models.PasswordLink{}
	var expires, created int64
	err := row.Scan(&l.ID, &l.PasswordID, &l.CreatorID, &l.TokenHash, &l.EncryptedKey, &l.AccessParams,
		&l.MaxCalls, &l.Calls, &expires, &l.MAC, &created)
	if err != nil {
		return nil, err
	}
	l.ExpiresAt = fromUnix(expires)
	l.CreatedAt = fromUnix(created)
	return l, nil
}

// CreateLink inserts a link.
func (s *SQLStore) CreateLink(ctx context.Context, l *models.PasswordLink) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, s.db, `
        INSERT INTO password_links (id, password_id, creator_id, token_hash, encrypted_key, access_params,
            max_calls, calls, expires_at, mac, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.PasswordID, l.CreatorID, l.TokenHash, l.EncryptedKey, l.AccessParams,
		l.MaxCalls, l.Calls, unix(l.ExpiresAt), l.MAC, unix(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

// GetLink loads a link.
func (s *SQLStore) GetLink(ctx context.Context, id string) (*models.PasswordLink, error) {
	l, err := scanLink(s.queryRow(ctx, s.db, `SELECT `+linkColumns+` FROM password_links WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Kind: "link", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("query link: %w", err)
	}
	return l, nil
}

// ListLinks returns a password's links, newest first.
func (s *SQLStore) ListLinks(ctx context.Context, passwordID int64) ([]*models.PasswordLink, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+linkColumns+` FROM password_links WHERE password_id = ? ORDER BY created_at DESC, id`, passwordID)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var out []*models.PasswordLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ConsumeLinkCall spends one call with a conditional update so concurrent
// callers cannot exceed the limit.
func (s *SQLStore) ConsumeLinkCall(ctx context.Context, id string, now time.Time) error {
	res, err := s.exec(ctx, s.db, `
        UPDATE password_links SET calls = calls + 1
        WHERE id = ? AND (max_calls = 0 OR calls < max_calls) AND (expires_at = 0 OR expires_at > ?)`,
		id, now.Unix())
	if err != nil {
		return fmt.Errorf("consume link call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetLink(ctx, id); err != nil {
		return err
	}
	return ErrLinkExhausted
}

// DeleteLink removes a link.
func (s *SQLStore) DeleteLink(ctx context.Context, id string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM password_links WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	return requireAffected(res, &models.NotFoundError{Kind: "link", ID: id})
}
