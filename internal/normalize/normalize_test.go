package normalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/bouncegazer/internal/api/bouncie"
	"github.com/langchou/bouncegazer/internal/device"
)

const fullSnapshot = `[{"model":{"make":"GMC","name":"Terrain","year":2012},"nickname":"My Gmc","standardEngine":"2.4L","vin":"111112222233333","imei":"12345123451234512","stats":{"localTimezone":"-0600","lastUpdated":"2020-04-28T22:13:17.000Z","location":{"lat":40.1234567,"lon":-75.123456,"heading":149,"address":"123 Main St, Dallas, Texas 75251, United States"},"fuelLevel":27.3,"isRunning":false,"speed":0,"mil":{"milOn":false,"lastUpdated":"2020-01-01T12:00:00.000Z"},"battery":{"status":"normal","lastUpdated":"2020-04-25T12:00:00.000Z"}}}]`

func keys(updates []device.StateUpdate) []string {
	out := make([]string, len(updates))
	for i, u := range updates {
		out[i] = u.Key
	}
	return out
}

func TestFlattenSnapshot_EmitsAllFieldsInOrder(t *testing.T) {
	t.Parallel()

	updates := FlattenSnapshot([]byte(fullSnapshot))
	require.NotNil(t, updates)

	assert.Equal(t, []string{
		"vehicleJSON",
		"model-make", "model-name", "model-year",
		"nickname", "standardEngine", "vin", "imei",
		"stats-localTimezone", "stats-lastUpdated",
		"stats-location-lat", "stats-location-long", "stats-location-heading", "stats-location-address",
		"stats-fuelLevel", "stats-isRunning", "stats-speed",
		"mil-milOn", "mil-lastUpdated",
		"battery-status", "battery-lastUpdated",
	}, keys(updates))

	assert.Equal(t, "GMC", updates[1].Value)
	assert.Equal(t, json.Number("2012"), updates[3].Value)
	assert.Equal(t, json.Number("40.1234567"), updates[10].Value)
	assert.Equal(t, json.Number("-75.123456"), updates[11].Value)
	assert.Equal(t, false, updates[15].Value)
	assert.Equal(t, json.Number("27.3"), updates[14].Value)
}

func TestFlattenSnapshot_VehicleJSONIsFirstAndVerbatim(t *testing.T) {
	t.Parallel()

	updates := FlattenSnapshot([]byte(fullSnapshot))
	require.NotEmpty(t, updates)

	assert.Equal(t, "vehicleJSON", updates[0].Key)
	assert.Equal(t, fullSnapshot, updates[0].Value)
}

func TestFlattenSnapshot_OmitsAbsentFields(t *testing.T) {
	t.Parallel()

	updates := FlattenSnapshot([]byte(`[{"imei":"444445555566666","stats":{"isRunning":true,"speed":12.5}}]`))
	require.NotNil(t, updates)

	assert.Equal(t, []string{"vehicleJSON", "imei", "stats-isRunning", "stats-speed"}, keys(updates))
}

func TestFlattenSnapshot_NullLocationAddressOmitted(t *testing.T) {
	t.Parallel()

	updates := FlattenSnapshot([]byte(`[{"stats":{"location":{"lat":40.1,"lon":-75.1,"heading":312,"address":null}}}]`))
	require.NotNil(t, updates)

	assert.NotContains(t, keys(updates), "stats-location-address")
	assert.Contains(t, keys(updates), "stats-location-heading")
}

func TestFlattenSnapshot_FieldLookupIsCaseSensitive(t *testing.T) {
	t.Parallel()

	// localTimeZone / Vin 与来源字段仅大小写不同，不得匹配
	raw := `[{"Vin":"111112222233333","nickName":"My Gmc","stats":{"localTimeZone":"-0400","LastUpdated":"2020-04-28T22:13:17.000Z","Location":{"lat":40.1}}}]`

	updates := FlattenSnapshot([]byte(raw))
	require.NotNil(t, updates)

	assert.Equal(t, []string{"vehicleJSON"}, keys(updates))
}

func TestFlattenSnapshot_InvalidInputReturnsNil(t *testing.T) {
	t.Parallel()

	assert.Nil(t, FlattenSnapshot([]byte("not json")))
	assert.Nil(t, FlattenSnapshot([]byte(`{"not":"an array"}`)))
}

func TestFlattenSnapshot_MultipleVehicles(t *testing.T) {
	t.Parallel()

	updates := FlattenSnapshot([]byte(`[{"imei":"111"},{"imei":"222"}]`))
	require.NotNil(t, updates)

	assert.Equal(t, []string{"vehicleJSON", "imei", "imei"}, keys(updates))
	assert.Equal(t, "111", updates[1].Value)
	assert.Equal(t, "222", updates[2].Value)
}

func TestFlattenWebhook_GenericEvent(t *testing.T) {
	t.Parallel()

	payload := `{"eventType":"connect","imei":"111112222233333","vin":"12345123451234512","connect":{"timestamp":"2019-07-01T15:04:57.000Z"}}`

	evt, updates, err := FlattenWebhook([]byte(payload))
	require.NoError(t, err)

	assert.Equal(t, bouncie.EventConnect, evt.EventType)
	assert.Equal(t, "111112222233333", evt.IMEI)
	require.Len(t, updates, 1)
	assert.Equal(t, "webHookJSON-connect", updates[0].Key)
	assert.Equal(t, payload, updates[0].Value)
}

func TestFlattenWebhook_TripBoundariesResetMiles(t *testing.T) {
	t.Parallel()

	for _, eventType := range []string{bouncie.EventTripStart, bouncie.EventTripEnd} {
		payload := `{"eventType":"` + eventType + `","imei":"X"}`

		_, updates, err := FlattenWebhook([]byte(payload))
		require.NoError(t, err)
		require.Len(t, updates, 3)

		assert.Equal(t, device.KeyPreviousMilesFromHome, updates[0].Key)
		assert.Equal(t, 0.0, updates[0].Value)
		assert.Equal(t, device.KeyCurrentMilesFromHome, updates[1].Key)
		assert.Equal(t, 0.0, updates[1].Value)
		assert.Equal(t, "webHookJSON-"+eventType, updates[2].Key)
		assert.Equal(t, payload, updates[2].Value)
	}
}

func TestFlattenWebhook_UnknownEventTypeStillEmitted(t *testing.T) {
	t.Parallel()

	payload := `{"eventType":"somethingNew","imei":"X"}`

	evt, updates, err := FlattenWebhook([]byte(payload))
	require.NoError(t, err)

	assert.False(t, bouncie.KnownEventType(evt.EventType))
	require.Len(t, updates, 1)
	assert.Equal(t, "webHookJSON-somethingNew", updates[0].Key)
	assert.Equal(t, payload, updates[0].Value)
}

func TestFlattenWebhook_RejectsGarbage(t *testing.T) {
	t.Parallel()

	_, _, err := FlattenWebhook([]byte("not json"))
	assert.Error(t, err)

	_, _, err = FlattenWebhook([]byte(`{"imei":"X"}`))
	assert.Error(t, err)
}
