package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelbao/chatflow/internal/config"
	"github.com/pixelbao/chatflow/internal/domain"
)

func composeEngine(t *testing.T, cfg config.EngineConfig) *Engine {
	t.Helper()
	if cfg.SingleChatPrefix == nil {
		cfg.SingleChatPrefix = []string{""}
	}
	if cfg.ImageCreatePrefix == nil {
		cfg.ImageCreatePrefix = []string{"draw"}
	}
	if cfg.GachaPrefix == nil {
		cfg.GachaPrefix = []string{"gacha"}
	}
	if cfg.GachaDefaultCount == 0 {
		cfg.GachaDefaultCount = 3
	}
	if cfg.GachaMaxCount == 0 {
		cfg.GachaMaxCount = 20
	}
	return newTestEngine(t, Options{Config: cfg})
}

func directMsg(content string) domain.InboundMessage {
	return domain.InboundMessage{
		ID:       "m-1",
		Type:     domain.MessageText,
		Content:  content,
		From:     "user-1",
		FromName: "Ann",
	}
}

func groupMsg(content string) domain.InboundMessage {
	return domain.InboundMessage{
		ID:             "m-1",
		Type:           domain.MessageText,
		Content:        content,
		From:           "group-1",
		IsGroup:        true,
		GroupID:        "group-1",
		GroupName:      "book club",
		ActualFrom:     "user-7",
		ActualFromName: "Bo",
		SelfName:       "flowbot",
	}
}

func TestComposeDirectText(t *testing.T) {
	e := composeEngine(t, config.EngineConfig{})
	mc := e.Compose(directMsg("hello there"))
	require.NotNil(t, mc)
	assert.Equal(t, domain.ContextText, mc.Type)
	assert.Equal(t, "hello there", mc.Content)
	assert.Equal(t, "user-1", mc.SessionID)
	assert.Equal(t, "user-1", mc.Receiver)
	assert.False(t, mc.IsGroup)
}

func TestComposeDirectPrefixRequired(t *testing.T) {
	e := composeEngine(t, config.EngineConfig{SingleChatPrefix: []string{"bot"}})
	assert.Nil(t, e.Compose(directMsg("hello there")))

	mc := e.Compose(directMsg("bot hello there"))
	require.NotNil(t, mc)
	assert.Equal(t, "hello there", mc.Content)
}

func TestComposeGroupNeedsWhitelist(t *testing.T) {
	e := composeEngine(t, config.EngineConfig{GroupChatPrefix: []string{"@bot"}})
	assert.Nil(t, e.Compose(groupMsg("@bot hi")))

	e = composeEngine(t, config.EngineConfig{
		GroupNameWhiteList: []string{"book club"},
		GroupChatPrefix:    []string{"@bot"},
	})
	mc := e.Compose(groupMsg("@bot hi"))
	require.NotNil(t, mc)
	assert.Equal(t, "hi", mc.Content)
	assert.Equal(t, "user-7", mc.SessionID, "group sessions key on the speaking member")
	assert.Equal(t, "group-1", mc.Receiver)
	assert.Equal(t, "Bo", mc.SenderName)
}

func TestComposeGroupWildcardAndKeywordWhitelist(t *testing.T) {
	e := composeEngine(t, config.EngineConfig{
		GroupNameWhiteList: []string{"ALL_GROUP"},
		GroupChatPrefix:    []string{"@bot"},
	})
	assert.NotNil(t, e.Compose(groupMsg("@bot hi")))

	e = composeEngine(t, config.EngineConfig{
		GroupNameKeywordWhiteList: []string{"club"},
		GroupChatPrefix:           []string{"@bot"},
	})
	assert.NotNil(t, e.Compose(groupMsg("@bot hi")))
}

func TestComposeGroupAtMention(t *testing.T) {
	e := composeEngine(t, config.EngineConfig{GroupNameWhiteList: []string{"ALL_GROUP"}})
	msg := groupMsg("@flowbot what is up")
	msg.IsAt = true
	mc := e.Compose(msg)
	require.NotNil(t, mc)
	assert.Equal(t, "what is up", mc.Content, "the mention is stripped")

	e = composeEngine(t, config.EngineConfig{
		GroupNameWhiteList: []string{"ALL_GROUP"},
		GroupAtOff:         true,
	})
	assert.Nil(t, e.Compose(msg), "groupAtOff disables mention triggering")
}

func TestComposeGroupKeywordTrigger(t *testing.T) {
	e := composeEngine(t, config.EngineConfig{
		GroupNameWhiteList: []string{"ALL_GROUP"},
		GroupChatKeyword:   []string{"flowbot"},
	})
	mc := e.Compose(groupMsg("hey flowbot, ping"))
	require.NotNil(t, mc)
	assert.Equal(t, "hey flowbot, ping", mc.Content, "keyword triggers keep the full text")
}

func TestComposeGroupInOneSession(t *testing.T) {
	e := composeEngine(t, config.EngineConfig{
		GroupNameWhiteList:    []string{"ALL_GROUP"},
		GroupChatInOneSession: []string{"book club"},
		GroupChatPrefix:       []string{"@bot"},
	})
	mc := e.Compose(groupMsg("@bot hi"))
	require.NotNil(t, mc)
	assert.Equal(t, "group-1", mc.SessionID, "the whole group shares one session")
}

func TestComposeBlacklist(t *testing.T) {
	e := composeEngine(t, config.EngineConfig{NickNameBlackList: []string{"Ann"}})
	assert.Nil(t, e.Compose(directMsg("hello")))

	e = composeEngine(t, config.EngineConfig{
		GroupNameWhiteList: []string{"ALL_GROUP"},
		GroupChatPrefix:    []string{"@bot"},
		NickNameBlackList:  []string{"Bo"},
	})
	assert.Nil(t, e.Compose(groupMsg("@bot hi")))
}

func TestComposeImageCreatePrefix(t *testing.T) {
	e := composeEngine(t, config.EngineConfig{})
	mc := e.Compose(directMsg("draw a red fox"))
	require.NotNil(t, mc)
	assert.Equal(t, domain.ContextImageCreate, mc.Type)
	assert.Equal(t, "a red fox", mc.Content)
}

func TestComposeGachaDefaults(t *testing.T) {
	e := composeEngine(t, config.EngineConfig{})
	mc := e.Compose(directMsg("gacha mecha pilot"))
	require.NotNil(t, mc)
	assert.Equal(t, domain.ContextGachaCreate, mc.Type)
	assert.Equal(t, "mecha pilot", mc.Content)
	v, ok := mc.Get(dataGachaCount)
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestComposeGachaExplicitCount(t *testing.T) {
	e := composeEngine(t, config.EngineConfig{})
	mc := e.Compose(directMsg("gacha 5 mecha pilot"))
	require.NotNil(t, mc)
	assert.Equal(t, "mecha pilot", mc.Content)
	v, _ := mc.Get(dataGachaCount)
	assert.Equal(t, 5, v)
}

func TestComposeGachaClampsCount(t *testing.T) {
	e := composeEngine(t, config.EngineConfig{})

	mc := e.Compose(directMsg("gacha 50 slime"))
	require.NotNil(t, mc)
	v, _ := mc.Get(dataGachaCount)
	assert.Equal(t, 20, v, "counts clamp to the maximum")

	mc = e.Compose(directMsg("gacha 0 slime"))
	require.NotNil(t, mc)
	v, _ = mc.Get(dataGachaCount)
	assert.Equal(t, 1, v, "counts clamp to at least one")
}

func TestComposeSelfMessage(t *testing.T) {
	off := false
	e := composeEngine(t, config.EngineConfig{TriggerBySelf: &off})
	msg := directMsg("note to self")
	msg.FromSelf = true
	assert.Nil(t, e.Compose(msg))

	on := true
	e = composeEngine(t, config.EngineConfig{TriggerBySelf: &on})
	assert.NotNil(t, e.Compose(msg))
}

func TestComposeMediaTypes(t *testing.T) {
	e := composeEngine(t, config.EngineConfig{})

	msg := directMsg("")
	msg.Type = domain.MessageImage
	msg.Content = "/tmp/pic.jpg"
	mc := e.Compose(msg)
	require.NotNil(t, mc)
	assert.Equal(t, domain.ContextImage, mc.Type)

	msg.Type = domain.MessageVoice
	msg.Content = "/tmp/audio.ogg"
	mc = e.Compose(msg)
	require.NotNil(t, mc)
	assert.Equal(t, domain.ContextVoice, mc.Type)

	msg.Type = domain.MessageVideo
	msg.Content = "/tmp/clip.mp4"
	mc = e.Compose(msg)
	require.NotNil(t, mc)
	assert.Equal(t, domain.ContextVideo, mc.Type)
}

func TestComposeEmptyTextDropped(t *testing.T) {
	e := composeEngine(t, config.EngineConfig{})
	assert.Nil(t, e.Compose(directMsg("   ")))
}

func TestComposeStripsQuotedMessage(t *testing.T) {
	e := composeEngine(t, config.EngineConfig{})
	quoted := "「Ann: earlier message」\n- - - - - - - - - - - - - - -\nactual question"
	mc := e.Compose(directMsg(quoted))
	require.NotNil(t, mc)
	assert.Equal(t, "actual question", mc.Content)
}

func TestParseGachaCount(t *testing.T) {
	count, prompt := parseGachaCount("7 a fox", 3, 20)
	assert.Equal(t, 7, count)
	assert.Equal(t, "a fox", prompt)

	count, prompt = parseGachaCount("a fox", 3, 20)
	assert.Equal(t, 3, count)
	assert.Equal(t, "a fox", prompt)

	count, prompt = parseGachaCount("", 3, 20)
	assert.Equal(t, 3, count)
	assert.Equal(t, "", prompt)
}
