package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestControlCommandParse(t *testing.T) {

	assert := assert.New(t)

	baseTopic := "loremTopic"
	topic := "loremTopic/value/9b1c7a2e-11aa-42bb-9c55-0a8f1e2d3c4b/control"
	r := controlCommandExtractor(baseTopic)
	matches := r.FindAllStringSubmatch(topic, 1)

	assert.Equal(matches[0][1], "9b1c7a2e-11aa-42bb-9c55-0a8f1e2d3c4b", "value id extract")
}

func TestControlCommandParseFail(t *testing.T) {

	assert := assert.New(t)

	baseTopic := "loremTopic"
	topic := "loremTopic/value/9b1c7a2e/state"
	r := controlCommandExtractor(baseTopic)
	matches := r.FindAllStringSubmatch(topic, 1)

	assert.Equal(len(matches), 0, "no matches")
}

func TestTopicBuilders(t *testing.T) {

	assert := assert.New(t)

	c := &MQTTClient{}
	c.cfg.BaseTopic = "wappgw"

	assert.Equal("wappgw/bridge/state", c.BridgeStateTopic())
	assert.Equal("wappgw/value/v1/state", c.ValueStateTopic("v1"))
	assert.Equal("wappgw/value/v1/control", c.ValueControlTopic("v1"))
}
