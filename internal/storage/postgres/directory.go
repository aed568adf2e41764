package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/lobby/internal/directory"
	"github.com/cory-johannsen/lobby/internal/session"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const selectLobbies = `SELECT id, code, owner_id, attr_keys, attr_values, max_members, epoch
	FROM lobbies`

// Directory is the lobby directory stored in PostgreSQL.
type Directory struct {
	db *pgxpool.Pool
}

// NewDirectory creates a Directory backed by the given pool.
//
// Precondition: db must be a valid, open connection pool with the lobby schema applied.
func NewDirectory(db *pgxpool.Pool) *Directory {
	return &Directory{db: db}
}

// Client returns a directory.Client acting for peer, advertising address as
// the place peer hosts when elected.
func (d *Directory) Client(peer session.PeerID, address string) directory.Client {
	return &pgClient{d: d, peer: peer, address: address}
}

// List returns every lobby, newest first.
func (d *Directory) List(ctx context.Context) ([]directory.Handle, error) {
	return loadHandles(ctx, d.db, "")
}

// Get returns one lobby.
//
// Postcondition: Returns directory.ErrLobbyNotFound when id does not exist.
func (d *Directory) Get(ctx context.Context, id string) (directory.Handle, error) {
	return loadHandle(ctx, d.db, id)
}

// Reap removes members not seen for staleAfter, hands ownership of affected
// lobbies to their oldest remaining member and deletes lobbies left empty.
//
// Postcondition: Returns the number of members removed.
func (d *Directory) Reap(ctx context.Context, staleAfter time.Duration) (int, error) {
	removed := 0
	err := pgx.BeginFunc(ctx, d.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`DELETE FROM lobby_members WHERE last_seen < $1 RETURNING lobby_id`,
			time.Now().Add(-staleAfter),
		)
		if err != nil {
			return fmt.Errorf("deleting stale members: %w", err)
		}
		affected, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("collecting stale members: %w", err)
		}
		removed = len(affected)

		seen := make(map[string]bool, len(affected))
		for _, id := range affected {
			if seen[id] {
				continue
			}
			seen[id] = true
			if err := settle(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

type pgClient struct {
	d       *Directory
	peer    session.PeerID
	address string
}

func (c *pgClient) Peer() session.PeerID {
	return c.peer
}

func (c *pgClient) Search(ctx context.Context, code string) ([]directory.Handle, error) {
	return loadHandles(ctx, c.d.db, "WHERE code = $1", code)
}

func (c *pgClient) SearchOpen(ctx context.Context) ([]directory.Handle, error) {
	return loadHandles(ctx, c.d.db,
		`WHERE max_members > (SELECT COUNT(*) FROM lobby_members m WHERE m.lobby_id = lobbies.id)`)
}

func (c *pgClient) Create(ctx context.Context, code string, maxMembers int, attrs session.Attributes) (directory.Handle, error) {
	if !directory.ValidMaxMembers(maxMembers) {
		return directory.Handle{}, fmt.Errorf("creating lobby %q with %d members: %w", code, maxMembers, directory.ErrInvalidMaxMembers)
	}
	attrs = attrs.With(session.KeyLobbyCode, code)
	keys, values := splitAttributes(attrs)
	id := uuid.NewString()

	var h directory.Handle
	err := pgx.BeginFunc(ctx, c.d.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO lobbies (id, code, owner_id, attr_keys, attr_values, max_members, epoch, next_index)
			 VALUES ($1, $2, $3, $4, $5, $6, 1, 1)`,
			id, code, string(c.peer), keys, values, maxMembers,
		); err != nil {
			return fmt.Errorf("inserting lobby: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO lobby_members (lobby_id, peer_id, member_index, address)
			 VALUES ($1, $2, 0, $3)`,
			id, string(c.peer), c.address,
		); err != nil {
			return fmt.Errorf("inserting owner: %w", err)
		}
		var err error
		h, err = loadHandle(ctx, tx, id)
		return err
	})
	if err != nil {
		return directory.Handle{}, fmt.Errorf("creating lobby %q: %w", code, err)
	}
	return h, nil
}

func (c *pgClient) Join(ctx context.Context, id string) (directory.Handle, error) {
	var h directory.Handle
	err := pgx.BeginFunc(ctx, c.d.db, func(tx pgx.Tx) error {
		var maxMembers, nextIndex int
		err := tx.QueryRow(ctx,
			`SELECT max_members, next_index FROM lobbies WHERE id = $1 FOR UPDATE`, id,
		).Scan(&maxMembers, &nextIndex)
		if errors.Is(err, pgx.ErrNoRows) {
			return directory.ErrLobbyNotFound
		}
		if err != nil {
			return fmt.Errorf("locking lobby: %w", err)
		}

		var count int
		var present bool
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*), COALESCE(BOOL_OR(peer_id = $2), false)
			 FROM lobby_members WHERE lobby_id = $1`,
			id, string(c.peer),
		).Scan(&count, &present); err != nil {
			return fmt.Errorf("counting members: %w", err)
		}
		if !present {
			if count >= maxMembers {
				return directory.ErrLobbyFull
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO lobby_members (lobby_id, peer_id, member_index, address)
				 VALUES ($1, $2, $3, $4)`,
				id, string(c.peer), nextIndex, c.address,
			); err != nil {
				return fmt.Errorf("inserting member: %w", err)
			}
			if _, err := tx.Exec(ctx,
				`UPDATE lobbies SET next_index = next_index + 1, epoch = epoch + 1 WHERE id = $1`, id,
			); err != nil {
				return fmt.Errorf("bumping epoch: %w", err)
			}
		}
		h, err = loadHandle(ctx, tx, id)
		return err
	})
	if err != nil {
		return directory.Handle{}, fmt.Errorf("joining lobby %s: %w", id, err)
	}
	return h, nil
}

func (c *pgClient) Leave(ctx context.Context, id string) error {
	err := pgx.BeginFunc(ctx, c.d.db, func(tx pgx.Tx) error {
		var owner string
		err := tx.QueryRow(ctx, `SELECT owner_id FROM lobbies WHERE id = $1 FOR UPDATE`, id).Scan(&owner)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("locking lobby: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM lobby_members WHERE lobby_id = $1 AND peer_id = $2`, id, string(c.peer))
		if err != nil {
			return fmt.Errorf("deleting member: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		return settle(ctx, tx, id)
	})
	if err != nil {
		return fmt.Errorf("leaving lobby %s: %w", id, err)
	}
	return nil
}

func (c *pgClient) Refresh(ctx context.Context, id string) (directory.Handle, error) {
	if _, err := c.d.db.Exec(ctx,
		`UPDATE lobby_members SET last_seen = NOW() WHERE lobby_id = $1 AND peer_id = $2`,
		id, string(c.peer),
	); err != nil {
		return directory.Handle{}, fmt.Errorf("refreshing lobby %s: %w", id, err)
	}
	h, err := loadHandle(ctx, c.d.db, id)
	if err != nil {
		return directory.Handle{}, fmt.Errorf("refreshing lobby %s: %w", id, err)
	}
	return h, nil
}

// settle runs after members of lobby id were removed: an empty lobby is
// deleted, and a lobby whose owner left passes to its oldest member.
//
// Precondition: the lobby row must be locked by tx or the caller must tolerate races.
func settle(ctx context.Context, tx pgx.Tx, id string) error {
	var oldest string
	err := tx.QueryRow(ctx,
		`SELECT peer_id FROM lobby_members WHERE lobby_id = $1 ORDER BY member_index LIMIT 1`, id,
	).Scan(&oldest)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := tx.Exec(ctx, `DELETE FROM lobbies WHERE id = $1`, id); err != nil {
			return fmt.Errorf("deleting empty lobby: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("finding oldest member: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE lobbies
		 SET epoch = epoch + 1,
		     owner_id = CASE WHEN EXISTS (
		         SELECT 1 FROM lobby_members m WHERE m.lobby_id = lobbies.id AND m.peer_id = lobbies.owner_id
		     ) THEN owner_id ELSE $2 END
		 WHERE id = $1`,
		id, oldest,
	); err != nil {
		return fmt.Errorf("updating lobby: %w", err)
	}
	return nil
}

func loadHandle(ctx context.Context, q querier, id string) (directory.Handle, error) {
	hs, err := loadHandles(ctx, q, "WHERE id = $1", id)
	if err != nil {
		return directory.Handle{}, err
	}
	if len(hs) == 0 {
		return directory.Handle{}, directory.ErrLobbyNotFound
	}
	return hs[0], nil
}

// loadHandles reads the lobbies matching where, newest first, with rosters.
func loadHandles(ctx context.Context, q querier, where string, args ...any) ([]directory.Handle, error) {
	rows, err := q.Query(ctx, selectLobbies+" "+where+" ORDER BY created_at DESC, id", args...)
	if err != nil {
		return nil, fmt.Errorf("querying lobbies: %w", err)
	}
	var (
		hs  []directory.Handle
		ids []string
	)
	for rows.Next() {
		var (
			h            directory.Handle
			owner        string
			keys, values []string
			epoch        int64
		)
		if err := rows.Scan(&h.ID, &h.Code, &owner, &keys, &values, &h.MaxMembers, &epoch); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning lobby: %w", err)
		}
		h.OwnerID = session.PeerID(owner)
		h.Attrs = joinAttributes(keys, values)
		h.Epoch = uint64(epoch)
		hs = append(hs, h)
		ids = append(ids, h.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lobbies: %w", err)
	}
	if len(hs) == 0 {
		return nil, nil
	}

	mrows, err := q.Query(ctx,
		`SELECT lobby_id, peer_id, member_index, address
		 FROM lobby_members WHERE lobby_id = ANY($1)
		 ORDER BY member_index`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("querying members: %w", err)
	}
	rosters := make(map[string][]session.Member, len(hs))
	for mrows.Next() {
		var (
			lobbyID, peer string
			m             session.Member
		)
		if err := mrows.Scan(&lobbyID, &peer, &m.Index, &m.Address); err != nil {
			mrows.Close()
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		m.ID = session.PeerID(peer)
		rosters[lobbyID] = append(rosters[lobbyID], m)
	}
	if err := mrows.Err(); err != nil {
		return nil, fmt.Errorf("iterating members: %w", err)
	}
	for i := range hs {
		hs[i].Roster = rosters[hs[i].ID]
	}
	return hs, nil
}

func splitAttributes(attrs session.Attributes) (keys, values []string) {
	keys = make([]string, 0, len(attrs))
	values = make([]string, 0, len(attrs))
	for _, a := range attrs {
		keys = append(keys, a.Key)
		values = append(values, a.Value)
	}
	return keys, values
}

func joinAttributes(keys, values []string) session.Attributes {
	n := min(len(keys), len(values))
	attrs := make(session.Attributes, 0, n)
	for i := range n {
		attrs = append(attrs, session.Attribute{Key: keys[i], Value: values[i]})
	}
	return attrs
}
