package devto

// Settings is the integration settings blob for a DEV community account.
// At least one organization or user must be configured.
type Settings struct {
	Organizations []string `json:"organizations"`
	Users         []string `json:"users"`
}

// Article is the subset of the DEV articles API the pipeline uses.
type Article struct {
	ID            int    `json:"id"`
	Title         string `json:"title"`
	URL           string `json:"url"`
	LastCommentAt string `json:"last_comment_at"`
}

// Comment is a node of the DEV comment tree. FullUser is filled in during
// stream processing so the parse phase never touches the network.
type Comment struct {
	IDCode    string    `json:"id_code"`
	CreatedAt string    `json:"created_at"`
	BodyHTML  string    `json:"body_html"`
	User      User      `json:"user"`
	FullUser  *User     `json:"fullUser,omitempty"`
	Children  []Comment `json:"children"`
}

type User struct {
	ID              int    `json:"id"`
	UserID          int    `json:"user_id"`
	Username        string `json:"username"`
	Name            string `json:"name"`
	TwitterUsername string `json:"twitter_username"`
	GithubUsername  string `json:"github_username"`
	Summary         string `json:"summary"`
	Location        string `json:"location"`
}

// article-list streams page through an organization's or user's articles.
type articleListStreamData struct {
	Organization string `json:"organization,omitempty"`
	User         string `json:"user,omitempty"`
	Page         int    `json:"page"`
}

// article streams are the leaves: one article whose comments get fetched.
type articleStreamData struct {
	Article Article `json:"article"`
}

// publishedData is what the parse phase receives per article.
type publishedData struct {
	Article  Article   `json:"article"`
	Comments []Comment `json:"comments"`
}
