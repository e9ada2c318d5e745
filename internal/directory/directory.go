// Package directory resolves the user and group ids the key material is
// keyed by. Identity is owned elsewhere; this is the read side.
package directory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/TheMichaelB/tresor/internal/models"
)

// User is a directory user.
type User struct {
	ID          int64  `yaml:"id" json:"id"`
	DisplayName string `yaml:"display_name" json:"display_name"`
	Email       string `yaml:"email" json:"email"`
}

// Group is a directory group.
type Group struct {
	ID          int64   `yaml:"id" json:"id"`
	DisplayName string  `yaml:"display_name" json:"display_name"`
	Members     []int64 `yaml:"members" json:"members"`
}

// Directory is the actor lookup the services depend on.
type Directory interface {
	User(ctx context.Context, id int64) (*User, error)
	Group(ctx context.Context, id int64) (*Group, error)
	IsMember(ctx context.Context, userID, groupID int64) (bool, error)
	Members(ctx context.Context, groupID int64) ([]int64, error)
	GroupsOf(ctx context.Context, userID int64) ([]int64, error)
}

// Static is a fixed in-memory directory.
type Static struct {
	users  map[int64]*User
	groups map[int64]*Group
}

type file struct {
	Users  []*User  `yaml:"users"`
	Groups []*Group `yaml:"groups"`
}

// NewStatic builds a directory from explicit lists.
func NewStatic(users []*User, groups []*Group) (*Static, error) {
	s := &Static{
		users:  make(map[int64]*User, len(users)),
		groups: make(map[int64]*Group, len(groups)),
	}
	for _, u := range users {
		if _, ok := s.users[u.ID]; ok {
			return nil, fmt.Errorf("duplicate user id %d", u.ID)
		}
		s.users[u.ID] = u
	}
	for _, g := range groups {
		if _, ok := s.groups[g.ID]; ok {
			return nil, fmt.Errorf("duplicate group id %d", g.ID)
		}
		for _, m := range g.Members {
			if _, ok := s.users[m]; !ok {
				return nil, fmt.Errorf("group %d lists unknown user %d", g.ID, m)
			}
		}
		s.groups[g.ID] = g
	}
	return s, nil
}

// LoadFile reads a YAML directory file.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse directory: %w", err)
	}
	return NewStatic(f.Users, f.Groups)
}

func (s *Static) User(_ context.Context, id int64) (*User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, models.NotFound("user", id)
	}
	c := *u
	return &c, nil
}

func (s *Static) Group(_ context.Context, id int64) (*Group, error) {
	g, ok := s.groups[id]
	if !ok {
		return nil, models.NotFound("group", id)
	}
	c := *g
	c.Members = slices.Clone(g.Members)
	return &c, nil
}

func (s *Static) IsMember(_ context.Context, userID, groupID int64) (bool, error) {
	g, ok := s.groups[groupID]
	if !ok {
		return false, models.NotFound("group", groupID)
	}
	return slices.Contains(g.Members, userID), nil
}

func (s *Static) Members(_ context.Context, groupID int64) ([]int64, error) {
	g, ok := s.groups[groupID]
	if !ok {
		return nil, models.NotFound("group", groupID)
	}
	out := slices.Clone(g.Members)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// GroupsOf lists the groups a user belongs to.
func (s *Static) GroupsOf(_ context.Context, userID int64) ([]int64, error) {
	var out []int64
	for id, g := range s.groups {
		if slices.Contains(g.Members, userID) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Users lists every user ordered by id.
func (s *Static) Users() []*User {
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		c := *u
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
