package upstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrUnparseable marks an upstream body whose expected structure is
// absent. Distinct from transport failures so callers can tell a broken
// response from an unreachable upstream.
var ErrUnparseable = errors.New("unparseable upstream response")

// TopicSummary is one row of a forum's topic list.
type TopicSummary struct {
	ID            int64  `json:"id"`
	Title         string `json:"title"`
	Author        string `json:"author"`
	TotalReplies  int    `json:"total_replies"`
	LastReplyTime string `json:"last_reply_time"`
}

// TopicList is the canonical record for one topic-list page.
type TopicList struct {
	Forum       string         `json:"forum"`
	Page        int            `json:"page"`
	TotalTopics int            `json:"total_topics"`
	Topics      []TopicSummary `json:"topics"`
}

// Post is one reply (or the opening post) inside a topic.
type Post struct {
	Author string `json:"author"`
	Body   string `json:"body"`
	Time   string `json:"time"`
}

// TopicDetail is the canonical record for one page of a topic.
type TopicDetail struct {
	TopicID      int64  `json:"topic_id"`
	Page         int    `json:"page"`
	Title        string `json:"title"`
	TotalReplies int    `json:"total_replies"`
	Posts        []Post `json:"posts"`
}

type apiTopicList struct {
	Success   *bool  `json:"success"`
	TotalNum  int    `json:"total_num"`
	TopicList []struct {
		MessageID    int64  `json:"Message_ID"`
		MessageTitle string `json:"Message_Title"`
		AuthorName   string `json:"Author_Name"`
		TotalReplies int    `json:"Total_Replies"`
		LastReply    string `json:"Last_Reply_Date"`
	} `json:"topic_list"`
}

// NormalizeTopicList turns a raw mobile-API topic-list body into the
// canonical record.
func NormalizeTopicList(raw []byte, forum string, page int) (*TopicList, error) {
	var parsed apiTopicList
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, ErrUnparseable
	}
	if parsed.Success == nil || !*parsed.Success || parsed.TopicList == nil {
		return nil, ErrUnparseable
	}

	list := &TopicList{
		Forum:       forum,
		Page:        page,
		TotalTopics: parsed.TotalNum,
	}
	for _, t := range parsed.TopicList {
		list.Topics = append(list.Topics, TopicSummary{
			ID:            t.MessageID,
			Title:         t.MessageTitle,
			Author:        t.AuthorName,
			TotalReplies:  t.TotalReplies,
			LastReplyTime: t.LastReply,
		})
	}
	return list, nil
}

type apiTopicDetail struct {
	Success      *bool  `json:"success"`
	MessageTitle string `json:"Message_Title"`
	TotalReplies int    `json:"Total_Replies"`
	Messages     []struct {
		AuthorName  string `json:"Author_Name"`
		MessageBody string `json:"Message_Body"`
		MessageDate string `json:"Message_Date"`
	} `json:"messages"`
}

// NormalizeTopicDetail turns a raw mobile-API topic body into the
// canonical record. page is the zero-based page index.
func NormalizeTopicDetail(raw []byte, topicID int64, page int) (*TopicDetail, error) {
	var parsed apiTopicDetail
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, ErrUnparseable
	}
	if parsed.Success == nil || !*parsed.Success || parsed.Messages == nil {
		return nil, ErrUnparseable
	}

	detail := &TopicDetail{
		TopicID:      topicID,
		Page:         page,
		Title:        parsed.MessageTitle,
		TotalReplies: parsed.TotalReplies,
	}
	for _, m := range parsed.Messages {
		detail.Posts = append(detail.Posts, Post{
			Author: m.AuthorName,
			Body:   m.MessageBody,
			Time:   m.MessageDate,
		})
	}
	return detail, nil
}

// NormalizeTopicListHTML extracts a topic list from a desktop page.
func NormalizeTopicListHTML(raw []byte, forum string, page int) (*TopicList, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, ErrUnparseable
	}

	rows := doc.Find("tr.topic_row")
	if rows.Length() == 0 {
		return nil, ErrUnparseable
	}

	list := &TopicList{Forum: forum, Page: page}
	rows.Each(func(_ int, row *goquery.Selection) {
		link := row.Find("td.topic_title a").First()
		id := parseInt64(link.AttrOr("data-message-id", ""))
		replies := parseInt(strings.TrimSpace(row.Find("td.topic_replies").Text()))
		list.Topics = append(list.Topics, TopicSummary{
			ID:            id,
			Title:         strings.TrimSpace(link.Text()),
			Author:        strings.TrimSpace(row.Find("td.topic_author").Text()),
			TotalReplies:  replies,
			LastReplyTime: strings.TrimSpace(row.Find("td.topic_last_reply").Text()),
		})
	})
	list.TotalTopics = parseInt(strings.TrimSpace(doc.Find("#total_topics").Text()))
	return list, nil
}

// NormalizeTopicDetailHTML extracts one topic page from a desktop page.
// page is the zero-based page index.
func NormalizeTopicDetailHTML(raw []byte, topicID int64, page int) (*TopicDetail, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, ErrUnparseable
	}

	posts := doc.Find("div.post")
	if posts.Length() == 0 {
		return nil, ErrUnparseable
	}

	detail := &TopicDetail{
		TopicID:      topicID,
		Page:         page,
		Title:        strings.TrimSpace(doc.Find("#topic_title").Text()),
		TotalReplies: parseInt(strings.TrimSpace(doc.Find("#total_replies").Text())),
	}
	posts.Each(func(_ int, post *goquery.Selection) {
		detail.Posts = append(detail.Posts, Post{
			Author: strings.TrimSpace(post.Find(".post_author").Text()),
			Body:   strings.TrimSpace(post.Find(".post_body").Text()),
			Time:   strings.TrimSpace(post.Find(".post_time").Text()),
		})
	})
	return detail, nil
}

func parseInt(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func parseInt64(s string) int64 {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int64(r-'0')
	}
	return n
}
