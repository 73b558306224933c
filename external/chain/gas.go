package chain

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
)

const gasPriceKey = "gas_price"

type GasPriceClient interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// GasPriceOracle derives the minimum acceptable operation gas price from the network gas price. The
// network price is cached for the cache ttl.
type GasPriceOracle struct {
	client   GasPriceClient
	cache    *ttlcache.Cache[string, *big.Int]
	lock     sync.Mutex
	floorPct uint64
}

func NewGasPriceOracle(client GasPriceClient, ttl time.Duration, floorPct uint64) *GasPriceOracle {
	cache := ttlcache.New[string, *big.Int](
		ttlcache.WithTTL[string, *big.Int](ttl),
		ttlcache.WithDisableTouchOnHit[string, *big.Int](),
	)
	return &GasPriceOracle{
		client:   client,
		cache:    cache,
		floorPct: floorPct,
	}
}

// GasPriceFloor returns floorPct percent of the current network gas price.
func (o *GasPriceOracle) GasPriceFloor(ctx context.Context) (*big.Int, error) {
	price, err := o.networkGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	floor := new(big.Int).Mul(price, new(big.Int).SetUint64(o.floorPct))
	return floor.Div(floor, big.NewInt(100)), nil
}

func (o *GasPriceOracle) networkGasPrice(ctx context.Context) (*big.Int, error) {
	o.lock.Lock() // lock so that we do not get multiple threads inside the `if`
	defer o.lock.Unlock()

	item := o.cache.Get(gasPriceKey)
	if item != nil {
		return item.Value(), nil
	}

	price, err := o.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "suggesting gas price")
	}
	o.cache.Set(gasPriceKey, price, ttlcache.DefaultTTL)
	return price, nil
}
