// Copyright 2022 The topicrouter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()
	viper.Reset()
	defer viper.Reset()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(30000, cfg.Hub.KeepAliveInterval)
		assert.Equal("sync", cfg.Hub.DispatchMode)
		assert.Equal("suppress", cfg.Hub.SelectorErrorPolicy)
		assert.Equal("prefix", cfg.Hub.DestinationMatch)
		assert.True(cfg.Hub.DispatchOnSend)
		assert.Equal("/events", cfg.Server.Endpoints.EventPath)
		assert.Nil(cfg.Ingress)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
server:
  api_server:
    server_config:
      listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid selector error policy
	{
		config := []byte(`---
hub:
  selector_error_policy: ignore`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: authorization rules
	{
		config := []byte(`---
hub:
  dispatch_mode: async
  authorization:
    enabled: true
    rules:
      - mode: subscribe
        destination: /topics/public
        allow: true
      - mode: any
        destination: /
        allow: false
        reason: private`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("async", cfg.Hub.DispatchMode)
		assert.True(cfg.Hub.Authorization.Enabled)
		assert.Len(cfg.Hub.Authorization.Rules, 2)
		assert.Equal("private", cfg.Hub.Authorization.Rules[1].Reason)
	}

	// Case 5: invalid authorization rule
	{
		config := []byte(`---
hub:
  authorization:
    rules:
      - mode: publish
        destination: /topics`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 6: ingress section
	{
		config := []byte(`---
ingress:
  subjects:
    - market.>`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		InstallDefaultIngressConfigValues()
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.NotNil(cfg.Ingress)
		assert.Equal([]string{"market.>"}, cfg.Ingress.Subjects)
		assert.Equal("nats://127.0.0.1:4222", cfg.Ingress.NATS.ServerURI)
	}
}
