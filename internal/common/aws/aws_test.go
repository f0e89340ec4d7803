package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockSESService struct {
	SendEmailFunc func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

func (m *MockSESService) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	return m.SendEmailFunc(ctx, params, optFns...)
}

type MockSNSService struct {
	PublishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func (m *MockSNSService) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return m.PublishFunc(ctx, params, optFns...)
}

func TestMailer_SendEmail(t *testing.T) {
	var captured *ses.SendEmailInput
	mailer := NewMailer(&MockSESService{
		SendEmailFunc: func(_ context.Context, params *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
			captured = params
			return &ses.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
		},
	}, "shop@example.com")

	id, err := mailer.SendEmail(context.Background(), "ada@example.com", "Hi", "Body")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)
	assert.Equal(t, "shop@example.com", aws.ToString(captured.Source))
	assert.Equal(t, []string{"ada@example.com"}, captured.Destination.ToAddresses)
	assert.Equal(t, "Hi", aws.ToString(captured.Message.Subject.Data))
	assert.Equal(t, "Body", aws.ToString(captured.Message.Body.Text.Data))
}

func TestMailer_SendEmailError(t *testing.T) {
	mailer := NewMailer(&MockSESService{
		SendEmailFunc: func(context.Context, *ses.SendEmailInput, ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
			return nil, errors.New("throttled")
		},
	}, "shop@example.com")

	_, err := mailer.SendEmail(context.Background(), "ada@example.com", "Hi", "Body")
	assert.ErrorContains(t, err, "throttled")
}

func TestTexter_SendSMS(t *testing.T) {
	var captured *sns.PublishInput
	texter := NewTexter(&MockSNSService{
		PublishFunc: func(_ context.Context, params *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
			captured = params
			return &sns.PublishOutput{MessageId: aws.String("sms-1")}, nil
		},
	}, "ACME")

	id, err := texter.SendSMS(context.Background(), "+15550001", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "sms-1", id)
	assert.Equal(t, "+15550001", aws.ToString(captured.PhoneNumber))
	assert.Equal(t, "ACME", aws.ToString(captured.MessageAttributes["AWS.SNS.SMS.SenderID"].StringValue))
}
