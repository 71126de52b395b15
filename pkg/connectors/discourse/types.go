package discourse

import "encoding/json"

// Settings connects one Discourse forum. The API key must be a global key
// acting as the configured API username.
type Settings struct {
	ForumHostname string `json:"forum_hostname"`
	APIKey        string `json:"api_key"`
	APIUsername   string `json:"api_username"`
}

const (
	streamTypeCategories = "categories"
	streamTypeTopics     = "topics"
	streamTypePosts      = "posts"
	streamTypePostsByIds = "posts-by-ids"

	kindPost        = "post"
	kindWebhookPost = "webhook-post"
)

type topicsStreamData struct {
	CategoryID   int    `json:"category_id"`
	CategorySlug string `json:"category_slug"`
	Page         int    `json:"page"`
}

type postsStreamData struct {
	TopicID int `json:"topic_id"`
}

type postsByIdsStreamData struct {
	TopicID    int    `json:"topic_id"`
	TopicSlug  string `json:"topic_slug"`
	TopicTitle string `json:"topic_title"`
	PostIDs    []int  `json:"post_ids"`
}

type publishedData struct {
	Kind       string          `json:"kind"`
	TopicID    int             `json:"topic_id,omitempty"`
	TopicSlug  string          `json:"topic_slug,omitempty"`
	TopicTitle string          `json:"topic_title,omitempty"`
	Record     json.RawMessage `json:"record"`
}

type category struct {
	ID   int    `json:"id"`
	Slug string `json:"slug"`
}

type categoriesResponse struct {
	CategoryList struct {
		Categories []category `json:"categories"`
	} `json:"category_list"`
}

type topic struct {
	ID   int    `json:"id"`
	Slug string `json:"slug"`
}

type topicsResponse struct {
	TopicList struct {
		Topics []topic `json:"topics"`
	} `json:"topic_list"`
}

type topicResponse struct {
	ID         int    `json:"id"`
	Slug       string `json:"slug"`
	Title      string `json:"title"`
	PostStream struct {
		Stream []int `json:"stream"`
	} `json:"post_stream"`
}

type post struct {
	ID         int    `json:"id"`
	Username   string `json:"username"`
	Name       string `json:"name"`
	Cooked     string `json:"cooked"`
	CreatedAt  string `json:"created_at"`
	PostNumber int    `json:"post_number"`
	TopicID    int    `json:"topic_id"`
	TopicSlug  string `json:"topic_slug"`
}

type postsResponse struct {
	PostStream struct {
		Posts []post `json:"posts"`
	} `json:"post_stream"`
}

type webhookPostEvent struct {
	Post post `json:"post"`
}
