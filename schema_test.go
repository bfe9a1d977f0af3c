package vaultpay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePayloadSchema(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{
			name:    "valid payload",
			payload: `{"scheme":"exact","network":"eip155:84532","payload":{"signature":"0xabc"}}`,
		},
		{
			name:    "wildcard network",
			payload: `{"scheme":"exact","network":"eip155:*","payload":{}}`,
		},
		{
			name:    "not json",
			payload: `{scheme: exact}`,
			wantErr: true,
		},
		{
			name:    "missing scheme",
			payload: `{"network":"eip155:84532","payload":{}}`,
			wantErr: true,
		},
		{
			name:    "missing payload",
			payload: `{"scheme":"exact","network":"eip155:84532"}`,
			wantErr: true,
		},
		{
			name:    "payload not an object",
			payload: `{"scheme":"exact","network":"eip155:84532","payload":"0xabc"}`,
			wantErr: true,
		},
		{
			name:    "network without namespace",
			payload: `{"scheme":"exact","network":"84532","payload":{}}`,
			wantErr: true,
		},
		{
			name:    "scheme wrong type",
			payload: `{"scheme":42,"network":"eip155:84532","payload":{}}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayloadSchema([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
