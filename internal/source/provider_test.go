package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/d60-Lab/timeline-feed/internal/cursor"
	"github.com/d60-Lab/timeline-feed/internal/model"
	"github.com/d60-Lab/timeline-feed/internal/repository"
	"github.com/d60-Lab/timeline-feed/internal/testutil"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func seedPost(t *testing.T, repo repository.PostRepository, id string, minutesAgo int, vis model.Visibility, scopes ...string) {
	t.Helper()
	p := &model.Post{ID: id, AuthorID: "author", Visibility: vis, CreatedAt: base.Add(-time.Duration(minutesAgo) * time.Minute)}
	switch vis {
	case model.VisibilityCircle:
		p.CircleIDs = scopes
	case model.VisibilityGroup:
		p.GroupIDs = scopes
	}
	require.NoError(t, repo.Create(context.Background(), p))
}

func ids(posts []*model.Post) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.ID
	}
	return out
}

func setup(t *testing.T) (*gorm.DB, repository.PostRepository) {
	db := testutil.NewDB(t)
	repo := repository.NewPostRepository(db)
	seedPost(t, repo, "pub-1", 1, model.VisibilityPublic)
	seedPost(t, repo, "pub-2", 2, model.VisibilityPublic)
	seedPost(t, repo, "pub-3", 3, model.VisibilityPublic)
	seedPost(t, repo, "cir-a", 4, model.VisibilityCircle, "c1")
	seedPost(t, repo, "cir-b", 5, model.VisibilityCircle, "c2", "c3")
	seedPost(t, repo, "grp-a", 6, model.VisibilityGroup, "g1")
	return db, repo
}

func TestPublicProviderNewestFirstWithLimit(t *testing.T) {
	_, repo := setup(t)
	p := NewPublicProvider(repo)

	got, err := p.Fetch(context.Background(), model.NewViewer(model.User{ID: "v"}, nil, nil, nil), Query{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"pub-1", "pub-2"}, ids(got))
}

func TestPublicProviderBeforeCursor(t *testing.T) {
	_, repo := setup(t)
	p := NewPublicProvider(repo)

	before := cursor.Position{ID: "pub-2", CreatedAt: base.Add(-2 * time.Minute)}
	got, err := p.Fetch(context.Background(), nil, Query{Limit: 10, Before: &before})
	require.NoError(t, err)
	assert.Equal(t, []string{"pub-3"}, ids(got))
}

func TestCircleProviderIntersectsViewerCircles(t *testing.T) {
	_, repo := setup(t)
	p := NewCircleProvider(repo)

	v := model.NewViewer(model.User{ID: "v"}, nil, []string{"c3", "c9"}, nil)
	got, err := p.Fetch(context.Background(), v, Query{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"cir-b"}, ids(got))

	v = model.NewViewer(model.User{ID: "v"}, nil, []string{"c1", "c2"}, nil)
	got, err = p.Fetch(context.Background(), v, Query{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"cir-a", "cir-b"}, ids(got))
}

func TestProvidersEmptyWithoutMemberships(t *testing.T) {
	_, repo := setup(t)
	v := model.NewViewer(model.User{ID: "loner"}, nil, nil, nil)

	got, err := NewCircleProvider(repo).Fetch(context.Background(), v, Query{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = NewGroupProvider(repo).Fetch(context.Background(), v, Query{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGroupProvider(t *testing.T) {
	_, repo := setup(t)
	v := model.NewViewer(model.User{ID: "v"}, nil, nil, []string{"g1"})

	got, err := NewGroupProvider(repo).Fetch(context.Background(), v, Query{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"grp-a"}, ids(got))
}

func TestProviderUnavailableWhenStoreFails(t *testing.T) {
	db, repo := setup(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	v := model.NewViewer(model.User{ID: "v"}, nil, []string{"c1"}, []string{"g1"})
	for _, p := range Defaults(repo) {
		t.Run(p.Name(), func(t *testing.T) {
			_, err := p.Fetch(context.Background(), v, Query{Limit: 10})
			assert.ErrorIs(t, err, ErrProviderUnavailable)
		})
	}
}

func TestDefaultsOrder(t *testing.T) {
	var names []string
	for _, p := range Defaults(nil) {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"public", "circle", "group"}, names)
}
