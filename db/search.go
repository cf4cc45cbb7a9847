package db

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/ethpandaops/elscout/dbtypes"
)

// AccountTokenHolding joins a token balance with its token metadata.
type AccountTokenHolding struct {
	Balance *dbtypes.TokenBalance
	Token   *dbtypes.Token
}

// GetAccountTokenHoldings returns all token balances of an account together
// with the token rows. Balances without a materialized token row are
// returned with a nil Token (token_balances is deliberately FK free).
func GetAccountTokenHoldings(accountAddress string) ([]*AccountTokenHolding, error) {
	balanceFields := []string{"account_address", "token_address", "balance", "block_number", "last_updated_block"}
	tokenFields := []string{"address", "name", "symbol", "decimals", "token_type", "first_seen_block", "last_seen_block", "total_transfers"}

	var sqlStr strings.Builder
	fmt.Fprint(&sqlStr, "SELECT ")
	for i, field := range balanceFields {
		if i > 0 {
			fmt.Fprint(&sqlStr, ", ")
		}
		fmt.Fprintf(&sqlStr, "token_balances.%v AS \"balance_%v\"", field, field)
	}
	for _, field := range tokenFields {
		fmt.Fprintf(&sqlStr, ", tokens.%v AS \"token_%v\"", field, field)
	}
	fmt.Fprint(&sqlStr, `
	FROM token_balances
	LEFT JOIN tokens ON tokens.address = token_balances.token_address
	WHERE token_balances.account_address = $1
	ORDER BY token_balances.token_address ASC
	`)

	rows, err := ReaderDb.Query(sqlStr.String(), accountAddress)
	if err != nil {
		logger.Errorf("Error while fetching account token holdings: %v", err)
		return nil, err
	}
	defer rows.Close()

	fieldCount := len(balanceFields) + len(tokenFields)
	holdings := []*AccountTokenHolding{}
	for rows.Next() {
		scanVals := make([]interface{}, fieldCount)
		scanArgs := make([]interface{}, fieldCount)
		for i := range scanArgs {
			scanArgs[i] = &scanVals[i]
		}
		err := rows.Scan(scanArgs...)
		if err != nil {
			logger.Errorf("Error while parsing account token holding: %v", err)
			continue
		}

		holding := &AccountTokenHolding{}

		balanceValMap := map[string]interface{}{}
		for idx, fName := range balanceFields {
			balanceValMap[fName] = scanVals[idx]
		}
		var balance dbtypes.TokenBalance
		cfg := &mapstructure.DecoderConfig{
			Result:           &balance,
			TagName:          "db",
			WeaklyTypedInput: true,
		}
		decoder, _ := mapstructure.NewDecoder(cfg)
		decoder.Decode(balanceValMap)
		holding.Balance = &balance

		if scanVals[len(balanceFields)] != nil {
			tokenValMap := map[string]interface{}{}
			for idx, fName := range tokenFields {
				tokenValMap[fName] = scanVals[len(balanceFields)+idx]
			}
			var token dbtypes.Token
			cfg := &mapstructure.DecoderConfig{
				Result:           &token,
				TagName:          "db",
				WeaklyTypedInput: true,
			}
			decoder, _ := mapstructure.NewDecoder(cfg)
			decoder.Decode(tokenValMap)
			holding.Token = &token
		}

		holdings = append(holdings, holding)
	}

	return holdings, nil
}
