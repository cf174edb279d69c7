package upstream

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// profileWebsiteField is the element on the desktop profile page where a
// user publishes their public token during verification.
const profileWebsiteField = "#ctl00_ContentPlaceHolder1_lb_website"

// ProfileField fetches a user's public profile from the desktop surface
// and returns the website field's text. Verification compares it against
// the issued public token.
func (c *Client) ProfileField(ctx context.Context, userID int64) (string, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/ProfilePage.aspx?userid=%d", c.desktopBase, userID))
	if err != nil {
		return "", err
	}
	return ExtractProfileField(body)
}

// ExtractProfileField pulls the website field out of a profile page body.
func ExtractProfileField(raw []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", ErrUnparseable
	}
	field := doc.Find(profileWebsiteField)
	if field.Length() == 0 {
		return "", ErrUnparseable
	}
	return strings.TrimSpace(field.Text()), nil
}
