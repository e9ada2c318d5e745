package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/TheMichaelB/tresor/internal/models"
)

// CreateAuthPlugin inserts a plugin descriptor and sets its id.
func (s *SQLStore) CreateAuthPlugin(ctx context.Context, p *models.AuthPlugin) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	id, err := s.insertID(ctx, s.db,
		`INSERT INTO auth_plugins (title, description, kind, created_at) VALUES (?, ?, ?, ?)`,
		p.Title, p.Description, p.Kind, unix(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert auth plugin: %w", err)
	}
	p.ID = id
	return nil
}

// GetAuthPlugin loads a plugin descriptor.
func (s *SQLStore) GetAuthPlugin(ctx context.Context, id int64) (*models.AuthPlugin, error) {
	p := &models.AuthPlugin{}
	var created int64
	err := s.queryRow(ctx, s.db,
		`SELECT id, title, description, kind, created_at FROM auth_plugins WHERE id = ?`, id).
		Scan(&p.ID, &p.Title, &p.Description, &p.Kind, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFound("auth plugin", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query auth plugin: %w", err)
	}
	p.CreatedAt = fromUnix(created)
	return p, nil
}

// ListAuthPlugins returns every plugin ordered by id.
func (s *SQLStore) ListAuthPlugins(ctx context.Context) ([]*models.AuthPlugin, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT id, title, description, kind, created_at FROM auth_plugins ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query auth plugins: %w", err)
	}
	defer rows.Close()

	var plugins []*models.AuthPlugin
	for rows.Next() {
		p := &models.AuthPlugin{}
		var created int64
		if err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.Kind, &created); err != nil {
			return nil, fmt.Errorf("scan auth plugin: %w", err)
		}
		p.CreatedAt = fromUnix(created)
		plugins = append(plugins, p)
	}
	return plugins, rows.Err()
}

// DeleteAuthPlugin removes an unreferenced plugin.
func (s *SQLStore) DeleteAuthPlugin(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, check := range []struct{ query, reason string }{
			{`SELECT COUNT(*) FROM security_class_plugins WHERE plugin_id = ?`, "plugin is used by a security class"},
			{`SELECT COUNT(*) FROM auth_key_pairs WHERE plugin_id = ?`, "users are registered with the plugin"},
		} {
			n, err := s.count(ctx, tx, check.query, id)
			if err != nil {
				return fmt.Errorf("check plugin references: %w", err)
			}
			if n > 0 {
				return &models.PolicyError{Reason: check.reason}
			}
		}

		res, err := s.exec(ctx, tx, `DELETE FROM auth_plugins WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete auth plugin: %w", err)
		}
		return requireAffected(res, models.NotFound("auth plugin", id))
	})
}

// CreateSecurityClass inserts a class and its ordered plugin list.
func (s *SQLStore) CreateSecurityClass(ctx context.Context, c *models.SecurityClass) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, pluginID := range c.PluginIDs {
			n, err := s.count(ctx, tx, `SELECT COUNT(*) FROM auth_plugins WHERE id = ?`, pluginID)
			if err != nil {
				return fmt.Errorf("check plugin: %w", err)
			}
			if n == 0 {
				return models.NotFound("auth plugin", pluginID)
			}
		}

		id, err := s.insertID(ctx, tx,
			`INSERT INTO security_classes (title, description, created_at) VALUES (?, ?, ?)`,
			c.Title, c.Description, unix(c.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert security class: %w", err)
		}

		for pos, pluginID := range c.PluginIDs {
			if _, err := s.exec(ctx, tx,
				`INSERT INTO security_class_plugins (class_id, plugin_id, position) VALUES (?, ?, ?)`,
				id, pluginID, pos); err != nil {
				return fmt.Errorf("insert class plugin: %w", err)
			}
		}
		c.ID = id
		return nil
	})
}

// GetSecurityClass loads a class with its plugins in order.
func (s *SQLStore) GetSecurityClass(ctx context.Context, id int64) (*models.SecurityClass, error) {
	c := &models.SecurityClass{}
	var created int64
	err := s.queryRow(ctx, s.db,
		`SELECT id, title, description, created_at FROM security_classes WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &c.Description, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFound("security class", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query security class: %w", err)
	}
	c.CreatedAt = fromUnix(created)

	if c.PluginIDs, err = s.classPlugins(ctx, id); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLStore) classPlugins(ctx context.Context, classID int64) ([]int64, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT plugin_id FROM security_class_plugins WHERE class_id = ? ORDER BY position`, classID)
	if err != nil {
		return nil, fmt.Errorf("query class plugins: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan class plugin: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListSecurityClasses returns every class ordered by id.
func (s *SQLStore) ListSecurityClasses(ctx context.Context) ([]*models.SecurityClass, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT id, title, description, created_at FROM security_classes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query security classes: %w", err)
	}

	var classes []*models.SecurityClass
	for rows.Next() {
		c := &models.SecurityClass{}
		var created int64
		if err := rows.Scan(&c.ID, &c.Title, &c.Description, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan security class: %w", err)
		}
		c.CreatedAt = fromUnix(created)
		classes = append(classes, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// release the connection before the per-class queries
	rows.Close()

	for _, c := range classes {
		if c.PluginIDs, err = s.classPlugins(ctx, c.ID); err != nil {
			return nil, err
		}
	}
	return classes, nil
}

// DeleteSecurityClass removes an unreferenced class.
func (s *SQLStore) DeleteSecurityClass(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, check := range []struct{ query, reason string }{
			{`SELECT COUNT(*) FROM passwords WHERE security_class_id = ?`, "security class protects passwords"},
			{`SELECT COUNT(*) FROM crypto_groups WHERE membership_class_id = ?`, "security class is a group membership class"},
			{`SELECT COUNT(*) FROM group_key_pairs WHERE security_class_id = ?`, "security class has group key pairs"},
		} {
			n, err := s.count(ctx, tx, check.query, id)
			if err != nil {
				return fmt.Errorf("check class references: %w", err)
			}
			if n > 0 {
				return &models.PolicyError{Reason: check.reason}
			}
		}

		if _, err := s.exec(ctx, tx, `DELETE FROM security_class_plugins WHERE class_id = ?`, id); err != nil {
			return fmt.Errorf("delete class plugins: %w", err)
		}
		res, err := s.exec(ctx, tx, `DELETE FROM security_classes WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete security class: %w", err)
		}
		return requireAffected(res, models.NotFound("security class", id))
	})
}

const authKeyPairColumns = `id, user_id, plugin_id, public_key, encrypted_private_key, kdf_params,
    credential, retired_public_key, retired_private_key, mac, updated_at`

func scanAuthKeyPair(row scanner) (*models.AuthKeyPair, error) {
	k := &models.AuthKeyPair{}
	var updated int64
	err := row.Scan(&k.ID, &k.UserID, &k.PluginID, &k.PublicKey, &k.EncryptedPrivateKey, &k.KDFParams,
		&k.Credential, &k.RetiredPublicKey, &k.RetiredPrivateKey, &k.MAC, &updated)
	if err != nil {
		return nil, err
	}
	k.UpdatedAt = fromUnix(updated)
	return k, nil
}

// CreateAuthKeyPair inserts a key pair and sets its id.
func (s *SQLStore) CreateAuthKeyPair(ctx context.Context, k *models.AuthKeyPair) error {
	if k.UpdatedAt.IsZero() {
		k.UpdatedAt = time.Now().UTC()
	}
	id, err := s.insertID(ctx, s.db, `
        INSERT INTO auth_key_pairs (user_id, plugin_id, public_key, encrypted_private_key, kdf_params,
            credential, retired_public_key, retired_private_key, mac, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.UserID, k.PluginID, k.PublicKey, k.EncryptedPrivateKey, k.KDFParams,
		k.Credential, k.RetiredPublicKey, k.RetiredPrivateKey, k.MAC, unix(k.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("user %d plugin %d: %w", k.UserID, k.PluginID, models.ErrAlreadyRegistered)
	}
	if err != nil {
		return fmt.Errorf("insert auth key pair: %w", err)
	}
	k.ID = id
	return nil
}

// GetAuthKeyPair loads the pair for (user, plugin).
func (s *SQLStore) GetAuthKeyPair(ctx context.Context, userID, pluginID int64) (*models.AuthKeyPair, error) {
	k, err := scanAuthKeyPair(s.queryRow(ctx, s.db,
		`SELECT `+authKeyPairColumns+` FROM auth_key_pairs WHERE user_id = ? AND plugin_id = ?`,
		userID, pluginID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Kind: "auth key pair", ID: fmt.Sprintf("user=%d plugin=%d", userID, pluginID)}
	}
	if err != nil {
		return nil, fmt.Errorf("query auth key pair: %w", err)
	}
	return k, nil
}

// GetAuthKeyPairByID loads a pair by row id.
func (s *SQLStore) GetAuthKeyPairByID(ctx context.Context, id int64) (*models.AuthKeyPair, error) {
	k, err := scanAuthKeyPair(s.queryRow(ctx, s.db,
		`SELECT `+authKeyPairColumns+` FROM auth_key_pairs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFound("auth key pair", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query auth key pair: %w", err)
	}
	return k, nil
}

// ListAuthKeyPairs returns a user's pairs ordered by plugin.
func (s *SQLStore) ListAuthKeyPairs(ctx context.Context, userID int64) ([]*models.AuthKeyPair, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+authKeyPairColumns+` FROM auth_key_pairs WHERE user_id = ? ORDER BY plugin_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query auth key pairs: %w", err)
	}
	defer rows.Close()

	var pairs []*models.AuthKeyPair
	for rows.Next() {
		k, err := scanAuthKeyPair(rows)
		if err != nil {
			return nil, fmt.Errorf("scan auth key pair: %w", err)
		}
		pairs = append(pairs, k)
	}
	return pairs, rows.Err()
}

// UpdateAuthKeyPair rewrites every key column and the MAC in one statement.
func (s *SQLStore) UpdateAuthKeyPair(ctx context.Context, k *models.AuthKeyPair) error {
	k.UpdatedAt = time.Now().UTC()
	res, err := s.exec(ctx, s.db, `
        UPDATE auth_key_pairs SET public_key = ?, encrypted_private_key = ?, kdf_params = ?,
            credential = ?, retired_public_key = ?, retired_private_key = ?, mac = ?, updated_at = ?
        WHERE id = ?`,
		k.PublicKey, k.EncryptedPrivateKey, k.KDFParams, k.Credential,
		k.RetiredPublicKey, k.RetiredPrivateKey, k.MAC, unix(k.UpdatedAt), k.ID)
	if err != nil {
		return fmt.Errorf("update auth key pair: %w", err)
	}
	return requireAffected(res, models.NotFound("auth key pair", k.ID))
}

// DeleteAuthKeyPair removes one registration.
func (s *SQLStore) DeleteAuthKeyPair(ctx context.Context, userID, pluginID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx,
			`DELETE FROM recovery_entries WHERE user_id = ? AND plugin_id = ?`, userID, pluginID); err != nil {
			return fmt.Errorf("delete recovery entry: %w", err)
		}
		res, err := s.exec(ctx, tx,
			`DELETE FROM auth_key_pairs WHERE user_id = ? AND plugin_id = ?`, userID, pluginID)
		if err != nil {
			return fmt.Errorf("delete auth key pair: %w", err)
		}
		return requireAffected(res, &models.NotFoundError{Kind: "auth key pair", ID: fmt.Sprintf("user=%d plugin=%d", userID, pluginID)})
	})
}

// DeleteUser removes every row keyed by the user.
func (s *SQLStore) DeleteUser(ctx context.Context, userID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM group_access_shares WHERE user_id = ?`,
			`DELETE FROM password_user_access WHERE user_id = ?`,
			`DELETE FROM password_index WHERE actor_type = 'user' AND actor_id = ?`,
			`DELETE FROM recovery_entries WHERE user_id = ?`,
			`DELETE FROM auth_key_pairs WHERE user_id = ?`,
		} {
			if _, err := s.exec(ctx, tx, q, userID); err != nil {
				return fmt.Errorf("delete user rows: %w", err)
			}
		}
		return nil
	})
}

// CreateGroup inserts the group row, its key pairs and initial shares.
func (s *SQLStore) CreateGroup(ctx context.Context, g *models.CryptoGroup, keyPairs []*models.GroupKeyPair, shares []*models.GroupShare) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx, `
            INSERT INTO crypto_groups (group_id, membership_class_id, threshold, next_share_index, mac, created_at)
            VALUES (?, ?, ?, ?, ?, ?)`,
			g.GroupID, g.MembershipClassID, g.Threshold, g.NextShareIndex, g.MAC, unix(g.CreatedAt))
		if isUniqueViolation(err) {
			return &models.PolicyError{Reason: fmt.Sprintf("group %d already has keys", g.GroupID)}
		}
		if err != nil {
			return fmt.Errorf("insert group: %w", err)
		}

		for _, k := range keyPairs {
			if err := s.putGroupKeyPair(ctx, tx, k); err != nil {
				return err
			}
		}
		return s.insertShares(ctx, tx, shares)
	})
}

func (s *SQLStore) insertShares(ctx context.Context, q querier, shares []*models.GroupShare) error {
	for _, sh := range shares {
		id, err := s.insertID(ctx, q, `
            INSERT INTO group_access_shares (group_id, user_id, auth_key_pair_id, key_ref, encrypted_share, mac)
            VALUES (?, ?, ?, ?, ?, ?)`,
			sh.GroupID, sh.UserID, sh.AuthKeyPairID, sh.KeyRef, sh.EncryptedShare, sh.MAC)
		if err != nil {
			return fmt.Errorf("insert share: %w", err)
		}
		sh.ID = id
	}
	return nil
}

// GetGroup loads a group row.
func (s *SQLStore) GetGroup(ctx context.Context, groupID int64) (*models.CryptoGroup, error) {
	g := &models.CryptoGroup{}
	var created int64
	err := s.queryRow(ctx, s.db, `
        SELECT group_id, membership_class_id, threshold, next_share_index, mac, created_at
        FROM crypto_groups WHERE group_id = ?`, groupID).
		Scan(&g.GroupID, &g.MembershipClassID, &g.Threshold, &g.NextShareIndex, &g.MAC, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFound("group", groupID)
	}
	if err != nil {
		return nil, fmt.Errorf("query group: %w", err)
	}
	g.CreatedAt = fromUnix(created)
	return g, nil
}

func (s *SQLStore) updateGroup(ctx context.Context, q querier, g *models.CryptoGroup) error {
	res, err := s.exec(ctx, q, `
        UPDATE crypto_groups SET threshold = ?, next_share_index = ?, mac = ? WHERE group_id = ?`,
		g.Threshold, g.NextShareIndex, g.MAC, g.GroupID)
	if err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	return requireAffected(res, models.NotFound("group", g.GroupID))
}

// DeleteGroup removes the group's keys, shares and access rows.
func (s *SQLStore) DeleteGroup(ctx context.Context, groupID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM group_access_shares WHERE group_id = ?`,
			`DELETE FROM password_group_access WHERE group_id = ?`,
			`DELETE FROM password_index WHERE actor_type = 'group' AND actor_id = ?`,
			`DELETE FROM group_key_pairs WHERE group_id = ?`,
		} {
			if _, err := s.exec(ctx, tx, q, groupID); err != nil {
				return fmt.Errorf("delete group rows: %w", err)
			}
		}
		res, err := s.exec(ctx, tx, `DELETE FROM crypto_groups WHERE group_id = ?`, groupID)
		if err != nil {
			return fmt.Errorf("delete group: %w", err)
		}
		return requireAffected(res, models.NotFound("group", groupID))
	})
}

// GetGroupKeyPair loads the group's pair for a class.
func (s *SQLStore) GetGroupKeyPair(ctx context.Context, groupID, classID int64) (*models.GroupKeyPair, error) {
	k := &models.GroupKeyPair{}
	err := s.queryRow(ctx, s.db, `
        SELECT group_id, security_class_id, public_key, encrypted_private_key, mac
        FROM group_key_pairs WHERE group_id = ? AND security_class_id = ?`, groupID, classID).
		Scan(&k.GroupID, &k.SecurityClassID, &k.PublicKey, &k.EncryptedPrivateKey, &k.MAC)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Kind: "group key pair", ID: fmt.Sprintf("group=%d class=%d", groupID, classID)}
	}
	if err != nil {
		return nil, fmt.Errorf("query group key pair: %w", err)
	}
	return k, nil
}

// ListGroupKeyPairs returns a group's pairs ordered by class.
func (s *SQLStore) ListGroupKeyPairs(ctx context.Context, groupID int64) ([]*models.GroupKeyPair, error) {
	rows, err := s.query(ctx, s.db, `
        SELECT group_id, security_class_id, public_key, encrypted_private_key, mac
        FROM group_key_pairs WHERE group_id = ? ORDER BY security_class_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query group key pairs: %w", err)
	}
	defer rows.Close()

	var pairs []*models.GroupKeyPair
	for rows.Next() {
		k := &models.GroupKeyPair{}
		if err := rows.Scan(&k.GroupID, &k.SecurityClassID, &k.PublicKey, &k.EncryptedPrivateKey, &k.MAC); err != nil {
			return nil, fmt.Errorf("scan group key pair: %w", err)
		}
		pairs = append(pairs, k)
	}
	return pairs, rows.Err()
}

// PutGroupKeyPair inserts or replaces a group pair.
func (s *SQLStore) PutGroupKeyPair(ctx context.Context, k *models.GroupKeyPair) error {
	return s.putGroupKeyPair(ctx, s.db, k)
}

func (s *SQLStore) putGroupKeyPair(ctx context.Context, q querier, k *models.GroupKeyPair) error {
	_, err := s.exec(ctx, q, `
        INSERT INTO group_key_pairs (group_id, security_class_id, public_key, encrypted_private_key, mac)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (group_id, security_class_id) DO UPDATE SET
            public_key = excluded.public_key,
            encrypted_private_key = excluded.encrypted_private_key,
            mac = excluded.mac`,
		k.GroupID, k.SecurityClassID, k.PublicKey, k.EncryptedPrivateKey, k.MAC)
	if err != nil {
		return fmt.Errorf("upsert group key pair: %w", err)
	}
	return nil
}

const shareColumns = `id, group_id, user_id, auth_key_pair_id, key_ref, encrypted_share, mac`

func (s *SQLStore) listShares(ctx context.Context, where string, args ...any) ([]*models.GroupShare, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+shareColumns+` FROM group_access_shares WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query shares: %w", err)
	}
	defer rows.Close()

	var shares []*models.GroupShare
	for rows.Next() {
		sh := &models.GroupShare{}
		if err := rows.Scan(&sh.ID, &sh.GroupID, &sh.UserID, &sh.AuthKeyPairID, &sh.KeyRef, &sh.EncryptedShare, &sh.MAC); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		shares = append(shares, sh)
	}
	return shares, rows.Err()
}

// ListGroupShares returns every share of a group.
func (s *SQLStore) ListGroupShares(ctx context.Context, groupID int64) ([]*models.GroupShare, error) {
	return s.listShares(ctx, `group_id = ?`, groupID)
}

// ListMemberShares returns one member's shares of a group.
func (s *SQLStore) ListMemberShares(ctx context.Context, groupID, userID int64) ([]*models.GroupShare, error) {
	return s.listShares(ctx, `group_id = ? AND user_id = ?`, groupID, userID)
}

// ListUserShares returns a user's shares across groups.
func (s *SQLStore) ListUserShares(ctx context.Context, userID int64) ([]*models.GroupShare, error) {
	return s.listShares(ctx, `user_id = ?`, userID)
}

// AddGroupShares stores new shares and the advanced share index together.
func (s *SQLStore) AddGroupShares(ctx context.Context, g *models.CryptoGroup, shares []*models.GroupShare) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.updateGroup(ctx, tx, g); err != nil {
			return err
		}
		return s.insertShares(ctx, tx, shares)
	})
}

// UpdateGroupShare rewrites a share's wrapper and MAC.
func (s *SQLStore) UpdateGroupShare(ctx context.Context, sh *models.GroupShare) error {
	res, err := s.exec(ctx, s.db, `
        UPDATE group_access_shares SET auth_key_pair_id = ?, key_ref = ?, encrypted_share = ?, mac = ?
        WHERE id = ?`,
		sh.AuthKeyPairID, sh.KeyRef, sh.EncryptedShare, sh.MAC, sh.ID)
	if err != nil {
		return fmt.Errorf("update share: %w", err)
	}
	return requireAffected(res, models.NotFound("group share", sh.ID))
}

// DeleteMemberShares removes a member's shares and reports how many.
func (s *SQLStore) DeleteMemberShares(ctx context.Context, groupID, userID int64) (int, error) {
	res, err := s.exec(ctx, s.db,
		`DELETE FROM group_access_shares WHERE group_id = ? AND user_id = ?`, groupID, userID)
	if err != nil {
		return 0, fmt.Errorf("delete shares: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ReplaceGroupShares swaps every share of a group after a key rotation.
func (s *SQLStore) ReplaceGroupShares(ctx context.Context, g *models.CryptoGroup, keyPairs []*models.GroupKeyPair, shares []*models.GroupShare) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.updateGroup(ctx, tx, g); err != nil {
			return err
		}
		for _, k := range keyPairs {
			if err := s.putGroupKeyPair(ctx, tx, k); err != nil {
				return err
			}
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM group_access_shares WHERE group_id = ?`, g.GroupID); err != nil {
			return fmt.Errorf("delete shares: %w", err)
		}
		return s.insertShares(ctx, tx, shares)
	})
}
