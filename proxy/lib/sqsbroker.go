package snowflake_proxy

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/messages"
	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/sqsclient"
	sqscreds "gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/sqscreds/lib"
)

var sqsRegionPattern = regexp.MustCompile(`^sqs\.([\w-]+)\.amazonaws\.com$`)

// sqsBrokerChannel is the alternate brokerChannel implementation that
// rendezvouses with the broker over an SQS queue instead of a direct HTTP
// POST (SPEC_FULL supplement #4). A proxy-owned response queue is created
// lazily per session and polled for the answering client's offer; the
// answer is written to the broker's shared request queue, tagged with a
// "Sid" message attribute.
type sqsBrokerChannel struct {
	client     sqsclient.SQSClient
	requestURL string // the broker's shared SQS request queue
	timeout    time.Duration
	numRetries int
}

func newSQSBrokerChannel(sqsQueueURL, sqsCredsStr string) (*sqsBrokerChannel, error) {
	queueURL, err := url.Parse(sqsQueueURL)
	if err != nil {
		return nil, fmt.Errorf("bad SQS queue URL: %w", err)
	}
	creds, err := sqscreds.AwsCredsFromBase64(sqsCredsStr)
	if err != nil {
		return nil, fmt.Errorf("bad SQS credentials: %w", err)
	}
	match := sqsRegionPattern.FindStringSubmatch(queueURL.Hostname())
	if len(match) < 2 {
		return nil, fmt.Errorf("could not extract AWS region from SQS URL %q", sqsQueueURL)
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AwsAccessKeyId, creds.AwsSecretKey, ""),
		),
		awsconfig.WithRegion(match[1]),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &sqsBrokerChannel{
		client:     sqs.NewFromConfig(cfg),
		requestURL: queueURL.String(),
		timeout:    time.Second,
		numRetries: 5,
	}, nil
}

// pollOffer registers this proxy's request for work by creating (or
// reusing) a proxy-owned queue named after sid, polling it for a waiting
// client poll request, and decoding the embedded offer.
func (b *sqsBrokerChannel) pollOffer(sid string, natType string, numClients int) (string, string, string, error) {
	ctx := context.Background()

	queueName := "snowflake-proxy-" + sid
	created, err := b.client.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(queueName)})
	if err != nil {
		return "", "", "", fmt.Errorf("creating SQS response queue: %w", err)
	}

	var body string
	for i := 0; i < b.numRetries; i++ {
		res, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            created.QueueUrl,
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			return "", "", "", fmt.Errorf("polling SQS queue: %w", err)
		}
		if len(res.Messages) == 0 {
			time.Sleep(b.timeout)
			continue
		}
		body = *res.Messages[0].Body
		break
	}
	if body == "" {
		return "", "", "", messages.ErrNoProxyPollMatch
	}
	return messages.DecodePollResponseWithRelayURL([]byte(body))
}

// sendAnswer writes the generated answer back onto the shared broker
// request queue, tagged with this proxy's session id so the broker can
// route it to the waiting client.
func (b *sqsBrokerChannel) sendAnswer(sid string, answerSDP string) error {
	reqBody, err := messages.EncodeAnswerRequest(answerSDP, sid)
	if err != nil {
		return fmt.Errorf("encoding SQS answer: %w", err)
	}
	_, err = b.client.SendMessage(context.Background(), &sqs.SendMessageInput{
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Sid": {
				DataType:    aws.String("String"),
				StringValue: aws.String(sid),
			},
		},
		MessageBody: aws.String(string(reqBody)),
		QueueUrl:    aws.String(b.requestURL),
	})
	if err != nil {
		return fmt.Errorf("sending SQS answer: %w", err)
	}
	return nil
}
