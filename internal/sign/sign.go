// Package sign builds the websocket URLs of the Douyin push service.
// The signed variant needs a signature value that only the site's
// obfuscated webmssdk script can produce; computing it is delegated to
// an injected Evaluator so deployments choose how (or whether) to run
// that script. Without one, connections fall back to a degraded unsigned
// URL that the service still accepts for plain audience sessions.
package sign

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"time"
)

// ErrSigningFailed means no signature could be produced; callers switch
// to FallbackURL.
var ErrSigningFailed = errors.New("signature generation failed")

const (
	signedHost   = "wss://webcast5-ws-web-lf.douyin.com/webcast/im/push/v2/"
	fallbackHost = "wss://webcast3-ws-web-lf.douyin.com/webcast/im/push/v2/"

	versionCode    = "180800"
	sdkVersion     = "1.0.14-beta.0"
	deviceIDFloor  = 7300000000000000000
	deviceIDSpread = 700000000000000000
)

// Provider produces the signed push URL for a room.
type Provider interface {
	SignedURL(ctx context.Context, realRoomID, deviceID string) (string, error)
}

// Evaluator turns an md5 stub into the signature query value. The
// production implementation replays the site's webmssdk script in a JS
// engine; it lives outside this module.
type Evaluator interface {
	Evaluate(ctx context.Context, stub string) (string, error)
}

// Builder assembles signed URLs with signatures from an Evaluator.
type Builder struct {
	evaluator Evaluator
}

// NewBuilder wires an Evaluator into a Provider.
func NewBuilder(evaluator Evaluator) *Builder {
	return &Builder{evaluator: evaluator}
}

// SignedURL computes the signature for realRoomID/deviceID and builds
// the webcast5 URL around it.
func (b *Builder) SignedURL(ctx context.Context, realRoomID, deviceID string) (string, error) {
	if b.evaluator == nil {
		return "", ErrSigningFailed
	}
	signature, err := b.evaluator.Evaluate(ctx, MSStub(realRoomID, deviceID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	q := url.Values{}
	q.Set("room_id", realRoomID)
	q.Set("compress", "gzip")
	q.Set("version_code", versionCode)
	q.Set("webcast_sdk_version", sdkVersion)
	q.Set("live_id", "1")
	q.Set("did_rule", "3")
	q.Set("user_unique_id", deviceID)
	q.Set("identity", "audience")
	q.Set("signature", signature)
	q.Set("aid", "6383")
	q.Set("device_platform", "web")
	q.Set("browser_language", "zh-CN")
	q.Set("browser_platform", "Win32")
	q.Set("browser_name", "Chrome")
	q.Set("browser_version", "109.0.0.0")
	return signedHost + "?" + q.Encode(), nil
}

// Disabled is a Provider for deployments without a script engine; every
// call reports ErrSigningFailed so the caller takes the fallback path.
type Disabled struct{}

func (Disabled) SignedURL(context.Context, string, string) (string, error) {
	return "", ErrSigningFailed
}

// MSStub computes the md5 stub the signature script is called with: the
// fixed parameter list serialized as comma-joined key=value pairs, in
// this exact order.
func MSStub(realRoomID, deviceID string) string {
	params := "live_id=1" +
		",aid=6383" +
		",version_code=" + versionCode +
		",webcast_sdk_version=" + sdkVersion +
		",room_id=" + realRoomID +
		",sub_room_id=" +
		",sub_channel_id=" +
		",did_rule=3" +
		",user_unique_id=" + deviceID +
		",device_platform=web" +
		",device_type=" +
		",ac=" +
		",identity=audience"
	return fmt.Sprintf("%x", md5.Sum([]byte(params)))
}

// FallbackURL builds the unsigned webcast3 URL. The service accepts it
// with a zeroed signature; the internal_ext block mirrors what the web
// client sends on its first fetch.
func FallbackURL(realRoomID, deviceID string, now time.Time) string {
	return fallbackHost +
		"?app_name=douyin_web" +
		"&version_code=" + versionCode +
		"&webcast_sdk_version=1.3.0" +
		"&update_version_code=1.3.0" +
		"&compress=gzip" +
		fmt.Sprintf("&internal_ext=internal_src:dim|wss_push_room_id:%s|wss_push_did:%s|dim_log_id:2023011316221327ACACF0E44A2C0E8200|fetch_time:%d123|seq:1|wss_info:0-1673598133900-0-0|wrds_kvs:WebcastRoomRankMessage-1673597852921055645_WebcastRoomStatsMessage-1673598128993068211",
			realRoomID, deviceID, now.Unix()) +
		"&cursor=u-1_h-1_t-1672732684536_r-1_d-1" +
		"&host=https://live.douyin.com" +
		"&aid=6383" +
		"&live_id=1" +
		"&did_rule=3" +
		"&debug=false" +
		"&endpoint=live_pc" +
		"&support_wrds=1" +
		"&im_path=/webcast/im/fetch/" +
		"&device_platform=web" +
		"&cookie_enabled=true" +
		"&screen_width=1920" +
		"&screen_height=1080" +
		"&browser_language=zh-CN" +
		"&browser_platform=Win32" +
		"&browser_name=Chrome" +
		"&browser_version=109.0.0.0" +
		"&browser_online=true" +
		"&tz_name=Asia/Shanghai" +
		"&identity=audience" +
		"&room_id=" + realRoomID +
		"&heartbeatDuration=0" +
		"&signature=00000000"
}

// DeviceID draws the numeric visitor identity the endpoints expect, in
// the same range the web client uses.
func DeviceID() string {
	return fmt.Sprintf("%d", deviceIDFloor+rand.Int63n(deviceIDSpread))
}
