package notify

import (
	"context"

	awsclient "segmentation-workers/internal/common/aws"
	"segmentation-workers/internal/common/config"
	"segmentation-workers/internal/common/logger"
)

// NewFromConfig builds a Dispatcher on SES and SNS for the channels enabled
// in cfg.
func NewFromConfig(ctx context.Context, cfg config.NotificationConfig, contacts ContactLookup, log logger.Logger) (*Dispatcher, error) {
	templates, err := TemplatesFromConfig(cfg.Templates)
	if err != nil {
		return nil, err
	}

	opts := Options{Contacts: contacts, Templates: templates, Logger: log}
	if cfg.Email.Enabled || cfg.SMS.Enabled {
		awsCfg, err := awsclient.LoadConfig(ctx, cfg.AWS.Region)
		if err != nil {
			return nil, err
		}
		if cfg.Email.Enabled {
			opts.Email = awsclient.NewSESMailer(awsCfg, cfg.Email.FromEmail)
		}
		if cfg.SMS.Enabled {
			opts.SMS = awsclient.NewSNSTexter(awsCfg, cfg.SMS.SenderID)
		}
	}
	return NewDispatcher(opts)
}
