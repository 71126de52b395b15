package devto

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/tributary-io/tributary/pkg/clients/rest"
	"github.com/tributary-io/tributary/pkg/domain"
)

const (
	baseURL         = "https://dev.to/api"
	articlePageSize = 50
)

type api struct {
	client *rest.Client
}

func newAPI(opts ...rest.Option) *api {
	return &api{client: rest.NewClient(baseURL, opts...)}
}

func (a *api) OrganizationArticles(ctx context.Context, organization string, page int) ([]Article, error) {
	var articles []Article

	query := url.Values{
		"page":     {strconv.Itoa(page)},
		"per_page": {strconv.Itoa(articlePageSize)},
	}

	path := fmt.Sprintf("/organizations/%s/articles", url.PathEscape(organization))

	if err := a.client.Get(ctx, path, query, &articles); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	return articles, nil
}

func (a *api) UserArticles(ctx context.Context, user string, page int) ([]Article, error) {
	var articles []Article

	query := url.Values{
		"username": {user},
		"page":     {strconv.Itoa(page)},
		"per_page": {strconv.Itoa(articlePageSize)},
	}

	if err := a.client.Get(ctx, "/articles", query, &articles); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	return articles, nil
}

// ArticleComments returns the full comment tree of one article. A deleted
// article yields an empty tree rather than an error.
func (a *api) ArticleComments(ctx context.Context, articleID int) ([]Comment, error) {
	var comments []Comment

	query := url.Values{"a_id": {strconv.Itoa(articleID)}}

	if err := a.client.Get(ctx, "/comments", query, &comments); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	return comments, nil
}

// UserByID fetches a full user profile. Deleted accounts return nil.
func (a *api) UserByID(ctx context.Context, userID int) (*User, error) {
	var user User

	if err := a.client.Get(ctx, "/users/"+strconv.Itoa(userID), nil, &user); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	return &user, nil
}
