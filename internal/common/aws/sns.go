package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSAPI is the part of *sns.Client the texter uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Texter sends transactional SMS through SNS.
type Texter struct {
	api      SNSAPI
	senderID string
}

func NewTexter(api SNSAPI, senderID string) *Texter {
	return &Texter{api: api, senderID: senderID}
}

// NewSNSTexter builds a Texter on a real SNS client.
func NewSNSTexter(cfg aws.Config, senderID string) *Texter {
	return NewTexter(sns.NewFromConfig(cfg), senderID)
}

// SendSMS returns the SNS message id.
func (t *Texter) SendSMS(ctx context.Context, phone, message string) (string, error) {
	input := &sns.PublishInput{
		PhoneNumber: aws.String(phone),
		Message:     aws.String(message),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Promotional")},
		},
	}
	if t.senderID != "" {
		input.MessageAttributes["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(t.senderID),
		}
	}

	out, err := t.api.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sns publish: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}
