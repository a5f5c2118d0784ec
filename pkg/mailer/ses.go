// Package mailer sends transactional email through Amazon SES v2.
package mailer

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
)

// SendEmailAPI is the part of the SES client used here.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Message is one rendered email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
	Tags    map[string]string
}

// SESMailer sends Messages from a fixed sender.
type SESMailer struct {
	client SendEmailAPI
	from   string
}

func NewSESMailer(client SendEmailAPI, from string) *SESMailer {
	return &SESMailer{client: client, from: from}
}

// Send delivers msg and returns the provider message id.
func (m *SESMailer) Send(ctx context.Context, msg Message) (string, error) {
	body := &types.Body{}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	tags := make([]types.MessageTag, 0, len(msg.Tags))
	for name, value := range msg.Tags {
		tags = append(tags, types.MessageTag{Name: aws.String(name), Value: aws.String(value)})
	}

	out, err := m.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(m.from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
		EmailTags: tags,
	})
	if err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

var retryableCodes = map[string]bool{
	"Throttling":                  true,
	"ThrottlingException":         true,
	"TooManyRequestsException":    true,
	"TooManyRequests":             true,
	"LimitExceededException":      true,
	"ServiceUnavailable":          true,
	"ServiceUnavailableException": true,
	"RequestTimeout":              true,
	"RequestTimeoutException":     true,
	"InternalFailure":             true,
	"InternalServerError":         true,
}

// Retryable reports whether err is an SES error worth retrying. Rejections,
// bad addresses and account problems are not.
func Retryable(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if retryableCodes[apiErr.ErrorCode()] {
		return true
	}
	return apiErr.ErrorFault() == smithy.FaultServer
}
